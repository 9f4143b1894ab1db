package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/dumper"
)

// writeFakeHelper drops a gcore-compatible shell script: given "-o
// outputPath pid" it touches outputPath.pid. Trigger tests run against the
// real OS filesystem and the current test process's own pid (it is always
// alive and always has readable /proc entries), because the dump writer
// spawns a real subprocess regardless of which afero.Fs was injected for
// /proc reads.
func writeFakeHelper(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-gcore.sh")
	script := "#!/bin/sh\ntouch \"$2.$3\"\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing fake helper: %v", err)
	}
	return path
}

func newFiringTestMonitor(t *testing.T) (*Monitor, *configuration.Config) {
	t.Helper()
	cfg := configuration.NewConfig()
	cfg.ResolvedPID = int64(os.Getpid())
	cfg.CoreDumpPath = t.TempDir()
	cfg.CoreDumpName = "snapshot"
	cfg.NumberOfDumpsToCollect = 1
	cfg.PollingInterval = 2 * time.Millisecond
	cfg.SleepAfterHelper = 0
	cfg.ThresholdSeconds = 0 // requiredSamples() collapses to 1

	fs := afero.NewOsFs()
	m := &Monitor{fs: fs, cfg: cfg, writer: dumper.New(fs, cfg, "victim", writeFakeHelper(t))}
	return m, cfg
}

func runWithTimeout(t *testing.T, fn func(ctx context.Context) error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		t.Fatal("trigger loop did not return within the test timeout")
		return nil
	}
}

func TestRunTimerFiresThenStopsAtDumpCap(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	if err := runWithTimeout(t, m.runTimer); err != nil {
		t.Fatalf("runTimer() = %v, want nil", err)
	}
	if cfg.DumpsCollected() != 1 {
		t.Errorf("DumpsCollected() = %d, want 1", cfg.DumpsCollected())
	}
	if !cfg.QuitEvent.IsSet() {
		t.Error("QuitEvent should be set once the dump cap is reached")
	}
}

func TestRunThreadCountFiresOnRealThreadCount(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	m.cfg.Triggers.ThreadThreshold = 1 // the test binary always has at least one thread

	if err := runWithTimeout(t, m.runThreadCount); err != nil {
		t.Fatalf("runThreadCount() = %v, want nil", err)
	}
	if cfg.DumpsCollected() != 1 {
		t.Errorf("DumpsCollected() = %d, want 1", cfg.DumpsCollected())
	}
}

func TestRunFileDescCountFiresOnRealFDCount(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	m.cfg.Triggers.FileDescThreshold = 1 // stdin/stdout/stderr alone clear this

	if err := runWithTimeout(t, m.runFileDescCount); err != nil {
		t.Fatalf("runFileDescCount() = %v, want nil", err)
	}
	if cfg.DumpsCollected() != 1 {
		t.Errorf("DumpsCollected() = %d, want 1", cfg.DumpsCollected())
	}
}

func TestRunMemoryFiresOnRealRSS(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	m.cfg.Triggers.Memory = []configuration.MemoryThreshold{{MegaBytes: 0}}

	if err := runWithTimeout(t, m.runMemory); err != nil {
		t.Fatalf("runMemory() = %v, want nil", err)
	}
	if cfg.DumpsCollected() != 1 {
		t.Errorf("DumpsCollected() = %d, want 1", cfg.DumpsCollected())
	}
}

func TestRunCPUFiresWhenBelowAnUnreachableThreshold(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	m.cfg.Triggers.CPUBelow = true
	m.cfg.Triggers.CPUThreshold = configuration.MaximumCPUPercent()

	if err := runWithTimeout(t, m.runCPU); err != nil {
		t.Fatalf("runCPU() = %v, want nil", err)
	}
	if cfg.DumpsCollected() != 1 {
		t.Errorf("DumpsCollected() = %d, want 1", cfg.DumpsCollected())
	}
}

func TestRunCountTriggerReturnsNilOnQuitWithoutFiring(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	m.cfg.Triggers.ThreadThreshold = 1 << 30 // unreachable
	cfg.QuitEvent.Set()

	if err := runWithTimeout(t, m.runThreadCount); err != nil {
		t.Fatalf("runThreadCount() = %v, want nil when quit is already set", err)
	}
	if cfg.DumpsCollected() != 0 {
		t.Errorf("DumpsCollected() = %d, want 0", cfg.DumpsCollected())
	}
}

func TestRunManagedExceptionFiresOnNotification(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	ch := make(chan struct{}, 1)
	m.hooks.Exception = ch
	ch <- struct{}{}

	if err := runWithTimeout(t, m.runManagedException); err != nil {
		t.Fatalf("runManagedException() = %v, want nil", err)
	}
	if cfg.DumpsCollected() != 1 {
		t.Errorf("DumpsCollected() = %d, want 1", cfg.DumpsCollected())
	}
}

func TestRunManagedExceptionReturnsOnClosedChannel(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	ch := make(chan struct{})
	close(ch)
	m.hooks.Exception = ch

	if err := runWithTimeout(t, m.runManagedException); err != nil {
		t.Fatalf("runManagedException() = %v, want nil on a closed channel", err)
	}
	if cfg.DumpsCollected() != 0 {
		t.Errorf("DumpsCollected() = %d, want 0", cfg.DumpsCollected())
	}
}

func TestRunGCGenerationDualShotFiresOnBothEdges(t *testing.T) {
	m, cfg := newFiringTestMonitor(t)
	cfg.NumberOfDumpsToCollect = 2
	// Both edges compose the same fixed output path (CoreDumpName is set),
	// so the second dump must be allowed to overwrite the first.
	cfg.OverwriteExisting = true
	start := make(chan struct{}, 1)
	finish := make(chan struct{}, 1)
	m.hooks.GCGenerationStart = start
	m.hooks.GCGenerationFinish = finish
	start <- struct{}{}
	finish <- struct{}{}

	if err := runWithTimeout(t, m.runGCGenerationDualShot); err != nil {
		t.Fatalf("runGCGenerationDualShot() = %v, want nil", err)
	}
	if cfg.DumpsCollected() != 2 {
		t.Errorf("DumpsCollected() = %d, want 2 (one per edge)", cfg.DumpsCollected())
	}
}

func TestRequiredSamples(t *testing.T) {
	cfg := configuration.NewConfig()
	cfg.ThresholdSeconds = 10
	cfg.PollingInterval = time.Second
	if got := requiredSamples(cfg); got != 10 {
		t.Errorf("requiredSamples() = %d, want 10", got)
	}

	cfg.PollingInterval = 0
	if got := requiredSamples(cfg); got != 1 {
		t.Errorf("requiredSamples() with no polling interval = %d, want 1", got)
	}
}
