// Package core wires the leaf components (registry, discovery, monitor,
// dumper, lifecycle) into spec.md §4.7's orchestrator: apply defaults,
// create the temp directory, start discovery, spawn a monitor per
// discovered target, block on quit, tear down.
package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/core/discovery"
	"github.com/dumpwatch/dumpwatch/core/lifecycle"
	"github.com/dumpwatch/dumpwatch/core/monitor"
	"github.com/dumpwatch/dumpwatch/core/registry"
	"github.com/dumpwatch/dumpwatch/dumper"
	"github.com/dumpwatch/dumpwatch/report"
	"github.com/dumpwatch/dumpwatch/syncutil"
)

// HelperPath is the default gcore-compatible helper binary name dumper.New
// resolves against PATH. Overridable for tests and for the -helper flag.
const HelperPath = "gcore"

// TempDirName names spec.md §6/§7's temporary filesystem directory, kept
// as "dumpwatch" only because that is this binary's name; the rule
// (`$TMPDIR/<name>` else `/tmp/<name>`, mode 0777) is spec.md's unchanged.
const TempDirName = "dumpwatch"

var bootstrapOnce sync.Once

// Engine runs one dumpwatch instance: a shared quit event, registry, and
// helper/report configuration applied to every target it is given.
type Engine struct {
	FS         afero.Fs
	HelperPath string
	Sink       report.Sink

	// Backtraces, when set, is wired into every monitor this Engine spawns
	// (see bpfbacktracer.OpenMapReaderFromPath, which main.go calls when the
	// -btmap flag is set). Left nil, dumps simply carry no
	// kernel-sampled backtrace.
	Backtraces dumper.BacktraceSource

	quit *syncutil.Event
	reg  *registry.Registry
}

// NewEngine returns an Engine bound to fs (normally afero.NewOsFs()).
func NewEngine(fs afero.Fs) *Engine {
	return &Engine{
		FS:         fs,
		HelperPath: HelperPath,
		quit:       syncutil.NewEvent(),
		reg:        registry.New(),
	}
}

// Bootstrap performs the once-only process-wide initialisation spec.md §9
// calls for ("process-global mutable state ... initialised exactly once
// at startup"). It is idempotent; later calls are no-ops.
func Bootstrap() {
	bootstrapOnce.Do(func() {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	})
}

// Run is spec.md §4.7's orchestrator. baseConfigs are the target requests
// (one per -p/-pgid/-w/file-batch entry); Run gates on kernel version,
// applies defaults to and validates each one, creates the temp directory, starts
// one discovery+monitor pipeline per base config, and blocks until the
// shared quit event fires — either from a signal, or because every base
// config's monitors have exited on their own (dump caps reached, targets
// gone).
func (e *Engine) Run(ctx context.Context, baseConfigs []*configuration.Config) error {
	Bootstrap()

	needsBacktraceKernel := false
	for _, c := range baseConfigs {
		if c.BacktraceMapPath != "" {
			needsBacktraceKernel = true
		}
	}
	if err := lifecycle.RequireKernel(needsBacktraceKernel); err != nil {
		return fmt.Errorf("core: %w", err)
	}

	for _, base := range baseConfigs {
		base.QuitEvent = e.quit
		base.ApplyDefaults()
		if err := base.Validate(); err != nil {
			return fmt.Errorf("core: invalid configuration: %w", err)
		}
	}

	// spec.md §7/§9 scenario 4: a missing helper is a configuration error,
	// surfaced at startup before any monitor spawns, unless every target
	// only ever dumps over the managed-agent socket (which never shells
	// out to gcore).
	if requiresHelper(baseConfigs) {
		helperPath := e.HelperPath
		if helperPath == "" {
			helperPath = HelperPath
		}
		if _, err := exec.LookPath(helperPath); err != nil {
			return fmt.Errorf("core: dump helper %q not found on PATH: %w", helperPath, err)
		}
	}

	tmpDir, err := ensureTempDir()
	if err != nil {
		return fmt.Errorf("core: creating temp directory: %w", err)
	}
	defer lifecycle.Teardown(tmpDir)

	ctrl := lifecycle.New(e.quit, e.reg)
	ctrlCtx, cancelCtrl := context.WithCancel(ctx)
	defer cancelCtrl()
	go ctrl.Run(ctrlCtx)

	var wg sync.WaitGroup
	for _, base := range baseConfigs {
		wg.Add(1)
		go func(base *configuration.Config) {
			defer wg.Done()
			e.runTarget(ctx, base)
		}(base)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-e.quit.Chan():
	case <-allDone:
		e.quit.Set()
	}
	<-allDone
	return nil
}

// runTarget drives one base config's discovery pipeline, spawning a
// monitor for every pid it discovers and forgetting it once that
// monitor's Run returns.
func (e *Engine) runTarget(ctx context.Context, base *configuration.Config) {
	disc := discovery.New(e.FS, base, e.quit)
	go disc.Run(ctx)

	var wg sync.WaitGroup
	for pid := range disc.Found {
		cfg := base.Clone(pid)
		mon := monitor.New(e.FS, cfg, e.Sink)
		if e.Backtraces != nil {
			mon.WithBacktraceSource(e.Backtraces)
		}
		if !e.reg.InsertIfAbsent(mon) {
			continue
		}
		wg.Add(1)
		go func(cfg *configuration.Config, mon *monitor.Monitor) {
			defer wg.Done()
			defer e.reg.Remove(cfg.ResolvedPID)
			if err := mon.Run(ctx, e.HelperPath); err != nil {
				log.Printf("core: monitor for pid %d exited with error: %v", cfg.ResolvedPID, err)
			}
		}(cfg, mon)
	}
	wg.Wait()
}

// requiresHelper reports whether any base config can reach the external
// gcore-compatible helper path: every trigger except a pure managed-runtime
// one (ManagedException, or managed/dual-shot commit-memory tracking) may
// fall through to the external helper at runtime if the target turns out
// not to expose a managed-agent socket, so only an all-managed target set
// lets the preflight skip the PATH check, per spec.md §7's "unless only
// managed or nodump paths are used."
func requiresHelper(cfgs []*configuration.Config) bool {
	for _, c := range cfgs {
		t := c.Triggers
		if t.ManagedException || t.ManagedMemoryEnabled || t.GCGenerationDualShot {
			continue
		}
		return true
	}
	return false
}

// ensureTempDir creates spec.md §4.7/§6's temp directory
// ($TMPDIR/dumpwatch, else /tmp/dumpwatch), mode 0777, and returns its
// path.
func ensureTempDir() (string, error) {
	base := os.Getenv("TMPDIR")
	if base == "" {
		base = "/tmp"
	}
	dir := filepath.Join(base, TempDirName)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", err
	}
	return dir, nil
}
