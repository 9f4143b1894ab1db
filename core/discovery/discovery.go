// Package discovery resolves a target request (explicit pid, process
// group, or process-name-with-wait) into a stream of live pids, exactly as
// spec.md §4.3 describes. Discovery is authoritative only for appearance;
// disappearance is the owning monitor's job (procfs.ErrNotFound).
package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/core/procfs"
	"github.com/dumpwatch/dumpwatch/syncutil"
)

// Discovery streams newly-appeared pids for one base Config onto Found.
type Discovery struct {
	fs     afero.Fs
	base   *configuration.Config
	quit   *syncutil.Event
	Found  chan int64
	seen   map[int64]bool
}

// New builds a Discovery for base, choosing its mode from which identity
// field base carries: PID, ProcessGroup, or ProcessName.
func New(fs afero.Fs, base *configuration.Config, quit *syncutil.Event) *Discovery {
	return &Discovery{
		fs:    fs,
		base:  base,
		quit:  quit,
		Found: make(chan int64, 8),
		seen:  make(map[int64]bool),
	}
}

// Run drives the appropriate mode until it terminates (explicit pid: after
// one emission; pgid, and name with WaitForLaunch: until quit or ctx is
// done; name without WaitForLaunch: after one scan). It closes Found on
// return.
func (d *Discovery) Run(ctx context.Context) {
	defer close(d.Found)
	switch {
	case d.base.PID != 0:
		d.runExplicit(ctx)
	case d.base.ProcessGroup != 0:
		d.runProcessGroup(ctx)
	case d.base.ProcessName != "":
		d.runProcessName(ctx)
	}
}

func (d *Discovery) runExplicit(ctx context.Context) {
	select {
	case d.Found <- d.base.PID:
	case <-ctx.Done():
	case <-d.quit.Chan():
	}
}

func (d *Discovery) pollInterval() time.Duration {
	if d.base.PollingInterval > 0 {
		return d.base.PollingInterval
	}
	return configuration.MinPollingIntervalMs * time.Millisecond
}

func (d *Discovery) runProcessGroup(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval())
	defer ticker.Stop()
	d.scanProcessGroup()
	for {
		select {
		case <-d.quit.Chan():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanProcessGroup()
		}
	}
}

func (d *Discovery) scanProcessGroup() {
	pids, err := procfs.LivePIDs(d.fs)
	if err != nil {
		return
	}
	for _, pid := range pids {
		if d.seen[pid] {
			continue
		}
		pg, err := procfs.New(d.fs, pid).ProcessGroup()
		if err != nil {
			continue
		}
		if pg != d.base.ProcessGroup {
			continue
		}
		d.emit(pid)
	}
}

func (d *Discovery) runProcessName(ctx context.Context) {
	d.scanProcessName()
	if !d.base.WaitForLaunch {
		// Without -w, a single scan is authoritative: matches (if any)
		// have been emitted, and there is nothing to wait for.
		return
	}
	ticker := time.NewTicker(d.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-d.quit.Chan():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanProcessName()
		}
	}
}

func (d *Discovery) scanProcessName() {
	pids, err := procfs.LivePIDs(d.fs)
	if err != nil {
		return
	}
	want := procfs.Sanitize(d.base.ProcessName)
	for _, pid := range pids {
		if d.seen[pid] {
			continue
		}
		p := procfs.New(d.fs, pid)
		comm, err := p.Comm()
		if err != nil {
			continue
		}
		if procfs.Sanitize(comm) != want {
			if !d.matchesCmdline(p, want) {
				continue
			}
		}
		if !d.matchesEnvFilter(p) {
			continue
		}
		d.emit(pid)
	}
}

func (d *Discovery) matchesCmdline(p *procfs.Proc, want string) bool {
	argv, err := p.Cmdline()
	if err != nil || len(argv) == 0 {
		return false
	}
	base := argv[0]
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	return procfs.Sanitize(base) == want
}

func (d *Discovery) matchesEnvFilter(p *procfs.Proc) bool {
	if len(d.base.EnvFilter) == 0 {
		return true
	}
	env, err := p.Environ()
	if err != nil {
		return false
	}
	for k, v := range d.base.EnvFilter {
		if env.GetVar(k) != v {
			return false
		}
	}
	return true
}

func (d *Discovery) emit(pid int64) {
	d.seen[pid] = true
	select {
	case d.Found <- pid:
	case <-d.quit.Chan():
	}
}
