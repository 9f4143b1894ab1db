package monitor

import (
	"context"
	"log"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/core/ptrace"
)

// runSignal implements spec.md §4.4's signal trigger: attach via ptrace,
// wait for delivery of any of the configured signals, produce a dump, and
// re-inject the signal so the target observes its original semantics.
// Attach/detach is serialised through Config.PtraceMu, spec.md §5's
// "per-target ptrace mutex."
func (m *Monitor) runSignal(ctx context.Context) error {
	m.cfg.PtraceMu.Lock()
	tracer, err := ptrace.Attach(m.cfg.ResolvedPID)
	m.cfg.PtraceMu.Unlock()
	if err != nil {
		log.Printf("monitor: signal trigger could not attach to pid %d: %v", m.cfg.ResolvedPID, err)
		m.cfg.SetTerminated()
		return errTargetGone
	}
	defer func() {
		m.cfg.PtraceMu.Lock()
		_ = tracer.Detach()
		m.cfg.PtraceMu.Unlock()
	}()

	for {
		if m.cfg.QuitEvent.IsSet() {
			return nil
		}
		sig, err := tracer.WaitForSignal(m.cfg.Triggers.Signals)
		if err != nil {
			// The target exited, or the wait itself failed: either way
			// it is gone, a target-transient condition per spec.md §7.
			m.cfg.SetTerminated()
			return errTargetGone
		}

		stop := m.fireDump(ctx, configuration.DumpKindSignal)

		m.cfg.PtraceMu.Lock()
		contErr := tracer.Continue(sig)
		m.cfg.PtraceMu.Unlock()
		if contErr != nil {
			m.cfg.SetTerminated()
			return errTargetGone
		}
		if stop {
			return nil
		}
	}
}
