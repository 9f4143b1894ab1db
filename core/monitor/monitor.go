// Package monitor implements spec.md §4.4's per-target monitor: one
// supervisor per discovered pid, holding a small pool of trigger
// goroutines (CPU, commit memory, thread count, fd count, timer, signal,
// and the managed-runtime hook points) that each poll a predicate and,
// once it holds for ThresholdSeconds consecutive samples, hand off to the
// dump writer. golang.org/x/sync/errgroup joins the trigger goroutines,
// the way spec.md describes "the monitor joins its trigger threads."
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/core/procfs"
	"github.com/dumpwatch/dumpwatch/dumper"
	"github.com/dumpwatch/dumpwatch/report"
)

// ManagedHooks are the out-of-scope managed-runtime trigger notification
// channels (spec.md §1: "their internal protocols are not" in scope).
// dumpwatch's engine only promises to treat a notification as an
// immediate dump request subject to the shared dump slot; whatever
// produces the notification (a managed-runtime agent, a GC event relay)
// is somebody else's protocol. Both channels are optional; a nil channel
// simply means that trigger never fires.
type ManagedHooks struct {
	// Exception fires once per managed-exception notification.
	Exception <-chan struct{}
	// GCGenerationStart/Finish together implement the dual-shot trigger:
	// exactly one dump on each, in order.
	GCGenerationStart  <-chan struct{}
	GCGenerationFinish <-chan struct{}
}

// Monitor supervises one discovered target process.
type Monitor struct {
	fs     afero.Fs
	cfg    *configuration.Config
	writer *dumper.Writer
	sink   report.Sink
	hooks  ManagedHooks
	bt     dumper.BacktraceSource

	procName string
}

// New builds a Monitor for cfg, which must already carry its resolved pid
// (see configuration.Config.Clone). sink receives each dump attempt's
// accumulated report fields; a nil sink discards them.
func New(fs afero.Fs, cfg *configuration.Config, sink report.Sink) *Monitor {
	return &Monitor{fs: fs, cfg: cfg, sink: sink}
}

// WithManagedHooks installs the managed-runtime notification channels.
func (m *Monitor) WithManagedHooks(h ManagedHooks) *Monitor {
	m.hooks = h
	return m
}

// WithBacktraceSource installs the optional kernel-side backtrace sampler
// (see bpfbacktracer), wired through to the dump writer on Run.
func (m *Monitor) WithBacktraceSource(b dumper.BacktraceSource) *Monitor {
	m.bt = b
	return m
}

// PID implements registry.Handle.
func (m *Monitor) PID() int64 { return m.cfg.ResolvedPID }

// GcorePID implements registry.Handle.
func (m *Monitor) GcorePID() int { return m.cfg.GcorePID() }

// Run resolves the target's process name, prints the configuration once,
// signals start-of-monitoring, spawns one goroutine per active trigger,
// and blocks until every trigger goroutine exits (quit, target gone, or
// dump cap reached). It returns the first trigger error, if any were
// fatal; target-transient disappearance is not an error (spec.md §7).
func (m *Monitor) Run(ctx context.Context, helperPath string) error {
	proc := procfs.New(m.fs, m.cfg.ResolvedPID)
	comm, err := proc.Comm()
	if err != nil {
		return fmt.Errorf("monitor: resolving process name for pid %d: %w", m.cfg.ResolvedPID, err)
	}
	m.procName = comm
	m.writer = dumper.New(m.fs, m.cfg, m.procName, helperPath)
	if m.bt != nil {
		m.writer.WithBacktraceSource(m.bt)
	}

	if !m.cfg.ConfigurationPrinted.IsSet() {
		m.printConfiguration()
		m.cfg.ConfigurationPrinted.Set()
	}
	m.cfg.StartMonitoringEvent.Set()

	g, gctx := errgroup.WithContext(ctx)
	t := m.cfg.Triggers

	if t.CPUEnabled {
		g.Go(func() error { return m.runCPU(gctx) })
	}
	if len(t.Memory) > 0 {
		g.Go(func() error { return m.runMemory(gctx) })
	}
	if t.ThreadThreshold > 0 {
		g.Go(func() error { return m.runThreadCount(gctx) })
	}
	if t.FileDescThreshold > 0 {
		g.Go(func() error { return m.runFileDescCount(gctx) })
	}
	if len(t.Signals) > 0 {
		g.Go(func() error { return m.runSignal(gctx) })
	}
	if t.ManagedException && m.hooks.Exception != nil {
		g.Go(func() error { return m.runManagedException(gctx) })
	}
	if t.GCGenerationDualShot && m.hooks.GCGenerationStart != nil && m.hooks.GCGenerationFinish != nil {
		g.Go(func() error { return m.runGCGenerationDualShot(gctx) })
	}
	if t.TimerOnly {
		g.Go(func() error { return m.runTimer(gctx) })
	}

	err = g.Wait()
	m.cfg.CleanupComplete.Set()
	if errors.Is(err, errTargetGone) {
		return nil
	}
	return err
}

func (m *Monitor) printConfiguration() {
	log.Printf("dumpwatch: monitoring pid %d (%s), dumps=%d threshold=%ds poll=%s out=%s",
		m.cfg.ResolvedPID, m.procName, m.cfg.NumberOfDumpsToCollect,
		m.cfg.ThresholdSeconds, m.cfg.PollingInterval, m.cfg.CoreDumpPath)
}

// fireDump drives one dump attempt through the writer, wrapping it in a
// fresh report flushed through the monitor's sink on return (spec.md's
// ambient diagnostics: "every dump attempt ... accumulates typed
// key/value fields ... flushed through a Sink at the end of each unit of
// work"). It reports whether the caller's trigger loop should stop:
// either quit was observed during/after the attempt, or the dump cap was
// just reached (the writer itself sets quit in that case).
func (m *Monitor) fireDump(ctx context.Context, kind configuration.DumpKind) (stop bool) {
	rep := report.New()
	repCtx := report.WithReport(ctx, rep)
	rep.AddInt("monitor.pid", m.cfg.ResolvedPID)

	path, err := m.writer.WriteDump(repCtx, kind)
	if err != nil {
		rep.AddError("dump.error", err)
		if err != dumper.ErrNoDump {
			log.Printf("monitor: dump attempt for pid %d (%s) failed: %v", m.cfg.ResolvedPID, kind, err)
		}
	} else {
		rep.AddString("dump.path", path)
	}
	if m.sink != nil {
		if flushErr := rep.Report(m.sink); flushErr != nil {
			log.Printf("monitor: reporting dump attempt: %v", flushErr)
		}
	}
	return m.cfg.QuitEvent.IsSet()
}

