package dumper

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/dumpwatch/dumpwatch/configuration"
)

func newTestConfig(t *testing.T, dumpPath string) *configuration.Config {
	t.Helper()
	cfg := configuration.NewConfig()
	cfg.ApplyDefaults()
	cfg.CoreDumpPath = dumpPath
	cfg.ResolvedPID = int64(os.Getpid())
	cfg.SleepAfterHelper = 0
	return cfg
}

func TestWriteDumpReturnsErrNoDumpWhenQuitAlreadySet(t *testing.T) {
	cfg := newTestConfig(t, t.TempDir())
	cfg.QuitEvent.Set()

	w := New(afero.NewOsFs(), cfg, "victim", "gcore")
	if _, err := w.WriteDump(context.Background(), configuration.DumpKindManual); !errors.Is(err, ErrNoDump) {
		t.Errorf("WriteDump() = %v, want ErrNoDump", err)
	}
}

func TestWriteDumpReturnsErrNoDumpWhenCapAlreadyReached(t *testing.T) {
	cfg := newTestConfig(t, t.TempDir())
	cfg.NumberOfDumpsToCollect = 1
	cfg.IncrementDumpsCollected()

	w := New(afero.NewOsFs(), cfg, "victim", "gcore")
	if _, err := w.WriteDump(context.Background(), configuration.DumpKindManual); !errors.Is(err, ErrNoDump) {
		t.Errorf("WriteDump() = %v, want ErrNoDump once NumberOfDumpsToCollect is already reached", err)
	}
}

// writeFakeHelper drops an executable shell script standing in for gcore:
// given "-o outputPath pid" it touches outputPath.pid, optionally appending
// extra shell source first so a test can make it fail or print the
// HelperFailedMarker.
func writeFakeHelper(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-gcore.sh")
	script := "#!/bin/sh\nout=\"$2\"\npid=\"$3\"\n" + extra + "\ntouch \"${out}.${pid}\"\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing fake helper: %v", err)
	}
	return path
}

func TestWriteDumpFullRoundTripThroughRealHelper(t *testing.T) {
	dumpDir := t.TempDir()
	helper := writeFakeHelper(t, t.TempDir(), "")

	cfg := newTestConfig(t, dumpDir)
	cfg.CoreDumpName = "snapshot"

	w := New(afero.NewOsFs(), cfg, "victim", helper)
	path, err := w.WriteDump(context.Background(), configuration.DumpKindManual)
	if err != nil {
		t.Fatalf("WriteDump() = %v, want nil", err)
	}

	want := coreFileName(filepath.Join(dumpDir, "snapshot"), cfg.ResolvedPID)
	if path != want {
		t.Errorf("WriteDump() path = %q, want %q", path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected dump file at %s: %v", want, err)
	}
	if cfg.DumpsCollected() != 1 {
		t.Errorf("DumpsCollected() = %d, want 1", cfg.DumpsCollected())
	}
	if !cfg.QuitEvent.IsSet() {
		t.Error("QuitEvent should be set once the configured dump count is reached")
	}
}

func TestWriteDumpDetectsHelperFailedMarkerOnZeroExit(t *testing.T) {
	dumpDir := t.TempDir()
	helper := writeFakeHelper(t, t.TempDir(), "echo 'gcore: failed to attach'")

	cfg := newTestConfig(t, dumpDir)
	cfg.CoreDumpName = "snapshot"

	w := New(afero.NewOsFs(), cfg, "victim", helper)
	if _, err := w.WriteDump(context.Background(), configuration.DumpKindManual); err == nil {
		t.Error("WriteDump() = nil, want an error when the helper prints the failure marker on a zero exit")
	}
	if cfg.DumpsCollected() != 0 {
		t.Errorf("DumpsCollected() = %d, want 0 after a failed helper run", cfg.DumpsCollected())
	}
}

func TestWriteDumpRefusesToOverwriteByDefault(t *testing.T) {
	dumpDir := t.TempDir()
	helper := writeFakeHelper(t, t.TempDir(), "")

	cfg := newTestConfig(t, dumpDir)
	cfg.CoreDumpName = "snapshot"
	existing := coreFileName(filepath.Join(dumpDir, "snapshot"), cfg.ResolvedPID)
	if err := os.WriteFile(existing, []byte("already here"), 0644); err != nil {
		t.Fatalf("seeding existing dump: %v", err)
	}

	w := New(afero.NewOsFs(), cfg, "victim", helper)
	if _, err := w.WriteDump(context.Background(), configuration.DumpKindManual); !errors.Is(err, ErrNoDump) {
		t.Errorf("WriteDump() = %v, want ErrNoDump when the target file already exists", err)
	}
	if cfg.DumpsCollected() != 0 {
		t.Errorf("DumpsCollected() = %d, want 0 when the overwrite was refused", cfg.DumpsCollected())
	}
}

func TestWriteDumpOverwritesWhenConfigured(t *testing.T) {
	dumpDir := t.TempDir()
	helper := writeFakeHelper(t, t.TempDir(), "")

	cfg := newTestConfig(t, dumpDir)
	cfg.CoreDumpName = "snapshot"
	cfg.OverwriteExisting = true
	existing := coreFileName(filepath.Join(dumpDir, "snapshot"), cfg.ResolvedPID)
	if err := os.WriteFile(existing, []byte("already here"), 0644); err != nil {
		t.Fatalf("seeding existing dump: %v", err)
	}

	w := New(afero.NewOsFs(), cfg, "victim", helper)
	if _, err := w.WriteDump(context.Background(), configuration.DumpKindManual); err != nil {
		t.Errorf("WriteDump() = %v, want nil when OverwriteExisting is set", err)
	}
}

func TestWriteDumpRemovesPartialFileWhenQuitFiresDuringHelper(t *testing.T) {
	dumpDir := t.TempDir()
	// Sleeps briefly before touching the output file, giving the test a
	// window to set QuitEvent while the helper is still "running".
	helper := writeFakeHelper(t, t.TempDir(), "sleep 0.2")

	cfg := newTestConfig(t, dumpDir)
	cfg.CoreDumpName = "snapshot"

	go func() {
		cfg.QuitEvent.Set()
	}()

	w := New(afero.NewOsFs(), cfg, "victim", helper)
	_, err := w.WriteDump(context.Background(), configuration.DumpKindManual)
	if !errors.Is(err, ErrNoDump) {
		t.Errorf("WriteDump() = %v, want ErrNoDump when quit fires before the helper finishes", err)
	}

	leftover := coreFileName(filepath.Join(dumpDir, "snapshot"), cfg.ResolvedPID)
	if _, statErr := os.Stat(leftover); !os.IsNotExist(statErr) {
		t.Errorf("partial dump %s should have been removed", leftover)
	}
}

func TestComposeOutputPathUsesCustomNameWhenSet(t *testing.T) {
	cfg := newTestConfig(t, "/dumps")
	cfg.CoreDumpName = "fixed-name"
	w := New(afero.NewMemMapFs(), cfg, "victim", "gcore")

	got := w.composeOutputPath(configuration.DumpKindCPU)
	want := filepath.Join("/dumps", "fixed-name")
	if got != want {
		t.Errorf("composeOutputPath() = %q, want %q", got, want)
	}
}

func TestComposeOutputPathBuildsTimestampedName(t *testing.T) {
	old := dumpTimestamp
	defer func() { dumpTimestamp = old }()
	dumpTimestamp = func() string { return "990101_000000" }

	cfg := newTestConfig(t, "/dumps")
	w := New(afero.NewMemMapFs(), cfg, "my victim!", "gcore")

	got := w.composeOutputPath(configuration.DumpKindCPU)
	want := filepath.Join("/dumps", "my_victim__cpu_990101_000000")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("composeOutputPath() mismatch (-want +got):\n%s", diff)
	}
}

func TestCoreFileName(t *testing.T) {
	if got := coreFileName("/dumps/base", 4242); got != "/dumps/base.4242" {
		t.Errorf("coreFileName() = %q, want %q", got, "/dumps/base.4242")
	}
}

func TestClassifyHelperFailureMissingBinary(t *testing.T) {
	cmd := exec.Command("/does/not/exist/dumpwatch-no-such-binary")
	waitErr := cmd.Run()
	if waitErr == nil {
		t.Fatal("expected the exec of a nonexistent binary to fail")
	}
	// A missing binary surfaces as a *exec.Error, not an *exec.ExitError, so
	// classifyHelperFailure's generic "waiting for helper" branch applies;
	// this still must be treated as a failure.
	if err := classifyHelperFailure(waitErr, nil); err == nil {
		t.Error("classifyHelperFailure() = nil, want an error")
	}
}

func TestClassifyHelperFailureNonZeroExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	waitErr := cmd.Run()
	if err := classifyHelperFailure(waitErr, nil); err == nil {
		t.Error("classifyHelperFailure() = nil, want an error for a non-zero exit status")
	}
}

func TestClassifyHelperFailureMarkerOnZeroExit(t *testing.T) {
	if err := classifyHelperFailure(nil, []string{"attaching...", HelperFailedMarker + " to attach"}); err == nil {
		t.Error("classifyHelperFailure() = nil, want an error when the last line carries the failure marker")
	}
}

func TestClassifyHelperFailureCleanExit(t *testing.T) {
	if err := classifyHelperFailure(nil, []string{"Saved core.1234"}); err != nil {
		t.Errorf("classifyHelperFailure() = %v, want nil on a clean exit with no marker", err)
	}
}

func TestCheckWritableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := checkWritable(afero.NewOsFs(), dir); err != nil {
		t.Errorf("checkWritable(%s) = %v, want nil", dir, err)
	}
	probe := filepath.Join(dir, ".dumpwatch-write-check")
	if _, err := os.Stat(probe); !os.IsNotExist(err) {
		t.Error("checkWritable should remove its probe file")
	}
}

func TestCheckWritableFailsOnMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist-"+strconv.Itoa(os.Getpid()))
	if err := checkWritable(afero.NewOsFs(), dir); err == nil {
		t.Error("checkWritable() = nil, want an error for a missing directory")
	}
}
