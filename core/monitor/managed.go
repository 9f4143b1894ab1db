package monitor

import (
	"context"

	"github.com/dumpwatch/dumpwatch/configuration"
)

// runManagedException relays managed-exception notifications into dump
// requests, exactly the contract spec.md §4.4 describes for managed
// triggers: "the engine's contract is to treat each agent notification as
// an immediate dump request subject to the shared dump-slot." The agent
// protocol itself (spec.md §1) is out of scope; m.hooks.Exception is
// whatever out-of-tree component speaks it.
func (m *Monitor) runManagedException(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.cfg.QuitEvent.Chan():
			return nil
		case _, ok := <-m.hooks.Exception:
			if !ok {
				return nil
			}
			if m.fireDump(ctx, configuration.DumpKindException) {
				return nil
			}
		}
	}
}

// runGCGenerationDualShot implements spec.md §3's dual-shot trigger:
// exactly one dump on GC-generation start, one on finish, in order, via
// the same notification-relay contract as runManagedException.
func (m *Monitor) runGCGenerationDualShot(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-m.cfg.QuitEvent.Chan():
		return nil
	case _, ok := <-m.hooks.GCGenerationStart:
		if !ok {
			return nil
		}
	}
	if m.fireDump(ctx, configuration.DumpKindManual) {
		return nil
	}

	select {
	case <-ctx.Done():
		return nil
	case <-m.cfg.QuitEvent.Chan():
		return nil
	case _, ok := <-m.hooks.GCGenerationFinish:
		if !ok {
			return nil
		}
	}
	m.fireDump(ctx, configuration.DumpKindManual)
	return nil
}
