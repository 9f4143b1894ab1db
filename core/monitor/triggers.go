package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/core/procfs"
	"github.com/dumpwatch/dumpwatch/syncutil"
)

// errTargetGone is a sentinel a trigger goroutine returns when it detects
// the target has disappeared. It is never surfaced to callers of
// Monitor.Run as a real error (spec.md §7 treats target-transient
// not-found as "the monitor terminates its threads", not an engine
// failure); returning it from a trigger instead of plain nil is what
// makes errgroup.Group cancel every *other* trigger goroutine for this
// same target promptly, rather than leaving them polling a dead pid until
// they independently notice.
var errTargetGone = errors.New("monitor: target disappeared")

// clockTicksPerSecond is USER_HZ, the kernel's sysconf(_SC_CLK_TCK). It is
// a package variable, not a syscall result, because Go has no portable
// sysconf wrapper without cgo; 100 is the value on every Linux
// architecture dumpwatch targets.
var clockTicksPerSecond int64 = 100

// requiredSamples converts spec.md §3's "ThresholdSeconds consecutive
// samples" into a sample count for the configured polling interval.
func requiredSamples(cfg *configuration.Config) int {
	if cfg.PollingInterval <= 0 {
		return 1
	}
	n := int(time.Duration(cfg.ThresholdSeconds) * time.Second / cfg.PollingInterval)
	if n < 1 {
		return 1
	}
	return n
}

// runCPU implements spec.md §4.4's CPU trigger: utime+stime deltas between
// consecutive /proc/<pid>/stat samples, normalised by clockTicksPerSecond
// and elapsed wall time, compared against the configured threshold
// percentage either by >= or < depending on Triggers.CPUBelow.
func (m *Monitor) runCPU(ctx context.Context) error {
	proc := procfs.New(m.fs, m.cfg.ResolvedPID)
	required := requiredSamples(m.cfg)
	consecutive := 0

	var prevUtime, prevStime int64
	var prevAt time.Time
	haveSample := false

	for {
		if syncutil.WaitInterval(ctx, m.cfg.QuitEvent, m.cfg.PollingInterval) {
			return nil
		}
		ut, st, err := proc.CPUTicks()
		if errors.Is(err, procfs.ErrNotFound) {
			m.cfg.SetTerminated()
			return errTargetGone
		}
		if err != nil {
			continue
		}
		now := time.Now()
		if !haveSample {
			prevUtime, prevStime, prevAt, haveSample = ut, st, now, true
			continue
		}
		elapsed := now.Sub(prevAt).Seconds()
		deltaTicks := (ut - prevUtime) + (st - prevStime)
		prevUtime, prevStime, prevAt = ut, st, now
		if elapsed <= 0 {
			continue
		}
		pct := (float64(deltaTicks) / float64(clockTicksPerSecond)) / elapsed * 100

		var fired bool
		if m.cfg.Triggers.CPUBelow {
			fired = pct < m.cfg.Triggers.CPUThreshold
		} else {
			fired = pct >= m.cfg.Triggers.CPUThreshold
		}
		if !fired {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive < required {
			continue
		}
		if m.fireDump(ctx, configuration.DumpKindCPU) {
			return nil
		}
		if m.cfg.SnoozeCPU {
			consecutive = 0
		}
	}
}

// runMemory implements spec.md §4.4's commit-memory trigger, consuming
// Triggers.Memory thresholds in order: the i-th dump uses the i-th
// threshold (configuration.Config.NextMemoryThreshold /
// AdvanceMemoryThreshold). The loop exits cleanly once every threshold has
// produced its dump; there is nothing left for this trigger to observe.
func (m *Monitor) runMemory(ctx context.Context) error {
	proc := procfs.New(m.fs, m.cfg.ResolvedPID)
	required := requiredSamples(m.cfg)
	consecutive := 0

	for {
		threshold, ok := m.cfg.NextMemoryThreshold()
		if !ok {
			return nil
		}
		if syncutil.WaitInterval(ctx, m.cfg.QuitEvent, m.cfg.PollingInterval) {
			return nil
		}
		kb, err := proc.VmRSSKilobytes()
		if errors.Is(err, procfs.ErrNotFound) {
			m.cfg.SetTerminated()
			return errTargetGone
		}
		if err != nil {
			continue
		}
		mb := kb / 1024

		var fired bool
		if threshold.Below {
			fired = mb < threshold.MegaBytes
		} else {
			fired = mb >= threshold.MegaBytes
		}
		if !fired {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive < required {
			continue
		}
		if m.fireDump(ctx, configuration.DumpKindCommit) {
			return nil
		}
		m.cfg.AdvanceMemoryThreshold()
		if m.cfg.SnoozeMemory {
			consecutive = 0
		}
	}
}

// runThreadCount implements spec.md §4.4's thread-count trigger: the
// number of entries under /proc/<pid>/task.
func (m *Monitor) runThreadCount(ctx context.Context) error {
	return m.runCountTrigger(ctx, configuration.DumpKindThread, func(p *procfs.Proc) (int, error) {
		return p.ThreadCount()
	}, m.cfg.Triggers.ThreadThreshold)
}

// runFileDescCount implements spec.md §4.4's fd-count trigger: the number
// of entries under /proc/<pid>/fd.
func (m *Monitor) runFileDescCount(ctx context.Context) error {
	return m.runCountTrigger(ctx, configuration.DumpKindFileDesc, func(p *procfs.Proc) (int, error) {
		return p.FileDescriptorCount()
	}, m.cfg.Triggers.FileDescThreshold)
}

func (m *Monitor) runCountTrigger(ctx context.Context, kind configuration.DumpKind, sample func(*procfs.Proc) (int, error), threshold int) error {
	proc := procfs.New(m.fs, m.cfg.ResolvedPID)
	required := requiredSamples(m.cfg)
	consecutive := 0

	for {
		if syncutil.WaitInterval(ctx, m.cfg.QuitEvent, m.cfg.PollingInterval) {
			return nil
		}
		n, err := sample(proc)
		if errors.Is(err, procfs.ErrNotFound) {
			m.cfg.SetTerminated()
			return errTargetGone
		}
		if err != nil {
			continue
		}
		if n < threshold {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive < required {
			continue
		}
		if m.fireDump(ctx, kind) {
			return nil
		}
	}
}

// runTimer implements spec.md §4.4's timer-only fallback: an unconditional
// dump every ThresholdSeconds, chosen implicitly when no other trigger is
// configured (configuration.Config.ApplyDefaults sets Triggers.TimerOnly).
func (m *Monitor) runTimer(ctx context.Context) error {
	interval := time.Duration(m.cfg.ThresholdSeconds) * time.Second
	for {
		if syncutil.WaitInterval(ctx, m.cfg.QuitEvent, interval) {
			return nil
		}
		if m.fireDump(ctx, configuration.DumpKindTime) {
			return nil
		}
		if m.cfg.SnoozeTimer {
			continue
		}
	}
}
