package dumper

import (
	"context"
	"fmt"

	"github.com/dumpwatch/dumpwatch/core/procfs"
	"github.com/dumpwatch/dumpwatch/report"
)

// BacktraceSource is the best-effort kernel-side backtrace sampler wired in
// by bpfbacktracer: a companion program kprobes do_coredump and stashes a
// few user-stack addresses per pid in a pinned map, keyed by the kernel's
// own notion of "a coredump is happening for this pid" rather than
// dumpwatch's. When no companion program is running, or the pinned map
// can't be opened, callers treat that as "no sample available", never as
// an error.
type BacktraceSource interface {
	Backtrace(pid int64) ([]uint64, error)
}

// attachBacktrace adds a best-effort backtrace sample to the dump's report
// as diagnostic context alongside the core file itself. It never fails the
// dump: a missing companion binary or pinned map is exactly the expected
// steady state for a dumpwatch build without eBPF support.
func (w *Writer) attachBacktrace(ctx context.Context, proc *procfs.Proc) {
	if w.backtraces == nil {
		return
	}
	frames, err := w.backtraces.Backtrace(proc.PID())
	if err != nil {
		report.R(ctx).AddString("dump.backtrace_error", err.Error())
		return
	}
	if len(frames) == 0 {
		return
	}
	report.R(ctx).AddString("dump.backtrace", formatFrames(frames))
}

func formatFrames(frames []uint64) string {
	s := ""
	for i, f := range frames {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("0x%x", f)
	}
	return s
}
