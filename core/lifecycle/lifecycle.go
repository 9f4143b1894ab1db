// Package lifecycle owns the process-wide quit event and the orderly
// shutdown spec.md §4.6 describes: SIGINT/SIGTERM intake on one goroutine
// (the idiomatic-Go equivalent of "mask on every thread, service on a
// dedicated thread" — the runtime already funnels signal delivery through
// one internal thread, and os/signal.Notify is the documented way to
// claim a signal instead of letting its default action run), the kernel
// version gate, and the sweep that restores temporary on-disk/socket
// state on exit. Grounded on the pack's signal.Notify shutdown pattern
// (_examples/coder-exectrace/cmd/exectrace/main.go).
package lifecycle

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dumpwatch/dumpwatch/core/registry"
	"github.com/dumpwatch/dumpwatch/syncutil"
)

// Controller installs the signal-mask policy and owns the global quit
// event. One Controller exists per dumpwatch process.
type Controller struct {
	quit *syncutil.Event
	reg  *registry.Registry

	sigCh chan os.Signal
}

// New returns a Controller that sets quit (and SIGTERMs every known
// helper process group) on SIGINT/SIGTERM. reg is consulted at signal
// time for every monitored target's in-flight helper pid, per spec.md
// §4.6's "if a helper pid is known — sends SIGTERM to its process group."
func New(quit *syncutil.Event, reg *registry.Registry) *Controller {
	return &Controller{
		quit:  quit,
		reg:   reg,
		sigCh: make(chan os.Signal, 1),
	}
}

// Run services signals until ctx is done, including after quit is set,
// so a later SIGINT/SIGTERM never falls through to its default action.
// It is meant to run on its own goroutine for the lifetime of the process.
func (c *Controller) Run(ctx context.Context) {
	signal.Notify(c.sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c.sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.sigCh:
			log.Printf("lifecycle: received %s, shutting down", sig)
			// Idempotent: a repeated SIGINT after quit is already set
			// is a no-op (spec.md §8's idempotence property) because
			// Event.Set is itself idempotent.
			c.quit.Set()
			c.terminateHelpers()
		}
	}
}

// terminateHelpers sends SIGTERM to every in-flight helper's process
// group, per spec.md §4.6. unix.Kill on a negative pid targets the whole
// group; an already-exited helper yields ESRCH, which spec.md §5 calls
// out as expected and harmless.
func (c *Controller) terminateHelpers() {
	for _, h := range c.reg.Snapshot() {
		pid := h.GcorePID()
		if pid <= 0 {
			continue
		}
		if err := unix.Kill(-pid, syscall.SIGTERM); err != nil && err != unix.ESRCH {
			log.Printf("lifecycle: signalling helper process group %d: %v", pid, err)
		}
	}
}

// Teardown runs the best-effort cleanup spec.md §4.6 lists: removing the
// temporary agent-socket directory and any files passed in. Every
// argument is best-effort; a failure here is logged, never fatal
// (spec.md §7: "signal handler errors ... never fatal" extends to
// teardown's own sweep).
func Teardown(tmpDir string, extraPaths ...string) {
	for _, p := range extraPaths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("lifecycle: removing %s: %v", p, err)
		}
	}
	if tmpDir == "" {
		return
	}
	if err := os.RemoveAll(tmpDir); err != nil {
		log.Printf("lifecycle: removing temp directory %s: %v", tmpDir, err)
	}
}
