// Package ptrace attaches to a target via ptrace(2) so the signal trigger
// can observe delivered signals and re-inject them, preserving the
// target's original semantics as spec.md §4.4 requires. The Tracer/Runner
// split below is grounded on the Handler/Runner shape in
// _examples/other_examples/criyle-go-sandbox__tracer.go, trimmed to the
// single operation dumpwatch needs: wait for one of a fixed signal set,
// dump, then continue the target with the same signal re-delivered.
package ptrace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Tracer owns the attach/detach lifecycle for one target pid. Callers
// serialise access to a Tracer with the owning configuration.Config's
// PtraceMu, matching spec.md §5's "per-target ptrace mutex."
type Tracer struct {
	pid int64
}

// Attach ptrace(PTRACE_ATTACH)'s the target and waits for it to stop.
func Attach(pid int64) (*Tracer, error) {
	if err := unix.PtraceAttach(int(pid)); err != nil {
		return nil, fmt.Errorf("ptrace attach %d: %w", pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(pid), &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("ptrace attach %d: wait4: %w", pid, err)
	}
	return &Tracer{pid: pid}, nil
}

// Detach ptrace(PTRACE_DETACH)'s the target, letting it run free.
func (t *Tracer) Detach() error {
	if err := unix.PtraceDetach(int(t.pid)); err != nil {
		return fmt.Errorf("ptrace detach %d: %w", t.pid, err)
	}
	return nil
}

// WaitForSignal blocks until the target stops on delivery of one of want,
// returning which signal fired. Any other stop is continued transparently
// so unrelated signals don't get swallowed.
func (t *Tracer) WaitForSignal(want []int) (int, error) {
	wanted := make(map[int]bool, len(want))
	for _, s := range want {
		wanted[s] = true
	}
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(int(t.pid), &ws, 0, nil)
		if err != nil {
			return 0, fmt.Errorf("ptrace wait %d: %w", t.pid, err)
		}
		if pid != int(t.pid) {
			continue
		}
		if !ws.Stopped() {
			return 0, fmt.Errorf("ptrace target %d exited", t.pid)
		}
		sig := int(ws.StopSignal())
		if wanted[sig] {
			return sig, nil
		}
		// Not one we're watching for: let it through untouched.
		if err := unix.PtraceCont(int(t.pid), sig); err != nil {
			return 0, fmt.Errorf("ptrace cont %d: %w", t.pid, err)
		}
	}
}

// Continue resumes the target, re-delivering sig so the target observes
// the exact signal that triggered the dump, per spec.md §4.4's
// "re-injects the signal to preserve the target's original semantics."
func (t *Tracer) Continue(sig int) error {
	if err := unix.PtraceCont(int(t.pid), sig); err != nil {
		return fmt.Errorf("ptrace cont %d: %w", t.pid, err)
	}
	return nil
}
