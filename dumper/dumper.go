// Package dumper implements the dump writer: spec.md §4.5's fourteen-step
// sequence that serialises dump production through a target's dump-slot
// semaphore, prepares the output filename, optionally mutates the coredump
// filter, drives the external gcore-compatible helper, and restores every
// piece of temporary state on all exit paths. It is adapted from the
// teacher's dumper.Dumper (_examples/noxiouz-gcoredumper/dumper/dumper.go),
// which streamed a kernel-piped core byte-stream straight to disk; here the
// helper produces the file itself, so the teacher's io.Copy loop becomes a
// subprocess-and-verify loop instead, with the teacher's compression and
// disk-usage gating kept as an optional post-dump pass (compress.go).
package dumper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/core/procfs"
	"github.com/dumpwatch/dumpwatch/report"
	"github.com/dumpwatch/dumpwatch/syncutil"
)

// MaxLines bounds how many lines of helper output the writer buffers,
// matching spec.md §6's MAX_LINES.
const MaxLines = 256

// ErrNoDump is returned whenever WriteDump produces no file for a
// non-error reason: quit observed, the dump cap already reached, or a
// refused overwrite.
var ErrNoDump = errors.New("dumper: no dump produced")

// HelperFailedMarker is the literal substring spec.md §6 says marks a
// helper failure even when its exit status is 0.
const HelperFailedMarker = "gcore: failed"

// ManagedAgent is the hook point for the managed-runtime dump protocol,
// deliberately left unimplemented by this engine (spec.md §1: "their
// internal protocols are not" in scope). When nil, a detected managed
// socket is logged and the writer falls back to the external helper.
type ManagedAgent interface {
	Dump(ctx context.Context, socketName, outputPath string) error
}

// Writer produces dump files for one target Config.
type Writer struct {
	fs           afero.Fs
	cfg          *configuration.Config
	procName     string
	helperPath   string
	managedAgent ManagedAgent
	backtraces   BacktraceSource
}

// New returns a Writer for cfg. procName is the already-resolved process
// name used to build file names (spec.md's sanitisedProcName); helperPath
// is normally "gcore" and resolved against PATH by os/exec.
func New(fs afero.Fs, cfg *configuration.Config, procName, helperPath string) *Writer {
	return &Writer{fs: fs, cfg: cfg, procName: procName, helperPath: helperPath}
}

// WithManagedAgent installs a managed-dump backend.
func (w *Writer) WithManagedAgent(a ManagedAgent) *Writer {
	w.managedAgent = a
	return w
}

// WithBacktraceSource installs an optional kernel-side backtrace sampler
// (see backtrace.go).
func (w *Writer) WithBacktraceSource(b BacktraceSource) *Writer {
	w.backtraces = b
	return w
}

// WriteDump is spec.md §4.5's write_dump(kind) operation.
func (w *Writer) WriteDump(ctx context.Context, kind configuration.DumpKind) (string, error) {
	cfg := w.cfg
	rep := report.R(ctx)
	rep.AddString("dump.kind", kind.String())
	rep.AddInt("dump.pid", cfg.ResolvedPID)

	abandoned := func() bool { return cfg.DumpsCollected() >= cfg.NumberOfDumpsToCollect }
	switch syncutil.WaitForQuitOrSemaphore(ctx, cfg.QuitEvent, cfg.DumpSlots, abandoned) {
	case syncutil.QuitObserved, syncutil.Abandoned:
		return "", ErrNoDump
	}
	// Critical section: from here until the deferred Release, cleanup
	// (filter restore, gcorePid clear, slot release) always runs to
	// completion even if ctx is cancelled mid-dump. Go has no pthread-style
	// cancel modes; spec.md §4.1's "deferred cancellation" is enforced
	// simply by not abandoning this function early on ctx.Done() — the
	// helper subprocess itself is still ctx-bound so a cancelled run does
	// not hang forever, it just always reaches the deferred cleanup.
	defer cfg.DumpSlots.Release()

	proc := procfs.New(w.fs, cfg.ResolvedPID)

	var restoreFilter func()
	if cfg.CoreDumpMask != -1 {
		restoreFilter = w.swapCoreDumpFilter(proc)
	}
	defer func() {
		if restoreFilter != nil {
			restoreFilter()
		}
	}()

	if socket, ok := w.managedSocket(proc); ok {
		return w.writeManagedDump(ctx, socket, kind)
	}

	outputPath := w.composeOutputPath(kind)
	return w.writeHelperDumpPath(ctx, outputPath, proc)
}

func (w *Writer) managedSocket(proc *procfs.Proc) (string, bool) {
	socketName := fmt.Sprintf("dumpwatch%d-%d", os.Getpid(), w.cfg.ResolvedPID)
	if ok, err := proc.HasManagedAgentSocket(socketName); err == nil && ok {
		return socketName, true
	}
	return "", false
}

func (w *Writer) writeManagedDump(ctx context.Context, socketName string, kind configuration.DumpKind) (string, error) {
	outputPath := w.composeOutputPath(kind)
	if w.managedAgent == nil {
		log.Printf("dumper: managed agent socket %s detected but no managed-dump backend is wired; falling back to the external helper", socketName)
		return w.writeHelperDumpPath(ctx, outputPath, procfs.New(w.fs, w.cfg.ResolvedPID))
	}
	if err := w.managedAgent.Dump(ctx, socketName, outputPath); err != nil {
		log.Printf("dumper: managed dump failed: %v", err)
		return "", err
	}
	return w.finishDump(outputPath)
}

func (w *Writer) swapCoreDumpFilter(proc *procfs.Proc) func() {
	previous, err := proc.CoreDumpFilter()
	if err != nil {
		log.Printf("dumper: could not read current coredump_filter for pid %d, filter will not be restored: %v", w.cfg.ResolvedPID, err)
		if err := proc.SetCoreDumpFilter(uint64(w.cfg.CoreDumpMask)); err != nil {
			log.Printf("dumper: could not set coredump_filter for pid %d: %v", w.cfg.ResolvedPID, err)
		}
		return nil
	}
	if err := proc.SetCoreDumpFilter(uint64(w.cfg.CoreDumpMask)); err != nil {
		log.Printf("dumper: could not set coredump_filter for pid %d: %v", w.cfg.ResolvedPID, err)
		return nil
	}
	return func() {
		if err := proc.SetCoreDumpFilter(previous); err != nil {
			log.Printf("dumper: could not restore coredump_filter for pid %d: %v", w.cfg.ResolvedPID, err)
		}
	}
}

// composeOutputPath builds spec.md §4.5 step 4's base name:
// <path>/<sanitisedProcName>_<kindString>_<yymmdd_HHMMSS>, or the custom
// base name if configured. The helper appends .<pid> itself on Linux.
func (w *Writer) composeOutputPath(kind configuration.DumpKind) string {
	if w.cfg.CoreDumpName != "" {
		return filepath.Join(w.cfg.CoreDumpPath, w.cfg.CoreDumpName)
	}
	date := dumpTimestamp()
	base := fmt.Sprintf("%s_%s_%s", procfs.Sanitize(w.procName), kind.String(), date)
	return filepath.Join(w.cfg.CoreDumpPath, base)
}

// dumpTimestamp is a seam tests can swap to get a deterministic file name.
var dumpTimestamp = func() string {
	return time.Now().Format("060102_150405")
}

func (w *Writer) finishDump(outputPath string) (string, error) {
	cfg := w.cfg
	if cfg.QuitEvent.IsSet() {
		if err := w.fs.Remove(outputPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("removing partial dump %s: %w", outputPath, err)
		}
		return "", ErrNoDump
	}
	cfg.IncrementDumpsCollected()
	if cfg.DumpsCollected() >= cfg.NumberOfDumpsToCollect {
		cfg.QuitEvent.Set()
	}
	log.Printf("Core dump %d generated: %s", cfg.DumpsCollected(), outputPath)
	return outputPath, nil
}

func coreFileName(outputPath string, pid int64) string {
	return outputPath + "." + strconv.FormatInt(pid, 10)
}
