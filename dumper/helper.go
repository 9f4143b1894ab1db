package dumper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/dumpwatch/dumpwatch/configuration"
	"github.com/dumpwatch/dumpwatch/core/procfs"
	"github.com/dumpwatch/dumpwatch/utils/xioutil"
)

// writeHelperDumpPath is spec.md §4.5 steps 5-14: refuse-to-overwrite,
// write-permission check, spawn gcore in its own process group, capture
// and inspect its output, verify the produced file, and clean up.
func (w *Writer) writeHelperDumpPath(ctx context.Context, outputPath string, proc *procfs.Proc) (string, error) {
	coreDumpFileName := coreFileName(outputPath, w.cfg.ResolvedPID)

	if exists, _ := afero.Exists(w.fs, coreDumpFileName); exists && !w.cfg.OverwriteExisting {
		log.Printf("Dump file %s already exists and was not overwritten (use -o to overwrite)", coreDumpFileName)
		return "", ErrNoDump
	}

	if err := checkWritable(w.fs, w.cfg.CoreDumpPath); err != nil {
		return "", fmt.Errorf("no write permission to core dump target directory %s: %w", w.cfg.CoreDumpPath, err)
	}

	helperPath := w.helperPath
	if helperPath == "" {
		helperPath = "gcore"
	}

	cmd := exec.CommandContext(ctx, helperPath, "-o", outputPath, strconv.FormatInt(w.cfg.ResolvedPID, 10))
	// Its own process group, so the lifecycle controller's quit handler
	// can SIGTERM the helper tree independently of this process, per
	// spec.md §4.5 step 8.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("opening helper output pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting helper %s: %w", helperPath, err)
	}
	w.cfg.SetGcorePID(cmd.Process.Pid)
	defer w.cfg.SetGcorePID(configuration.NoPID)

	lines, readErr := xioutil.ReadLinesBounded(ctx, pipe, MaxLines)
	waitErr := cmd.Wait()

	if failure := classifyHelperFailure(waitErr, lines); failure != nil {
		log.Printf("An error occurred while generating the core dump: %v", failure)
		for _, l := range lines {
			log.Printf("GCORE - %s", l)
		}
		return "", failure
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded) {
		return "", fmt.Errorf("reading helper output: %w", readErr)
	}

	time.Sleep(w.cfg.SleepAfterHelper)

	if exists, _ := afero.Exists(w.fs, coreDumpFileName); !exists {
		return "", fmt.Errorf("%w: helper exited without producing %s", ErrNoDump, coreDumpFileName)
	}

	w.attachBacktrace(ctx, proc)

	result, err := w.finishDump(coreDumpFileName)
	if err != nil {
		return "", err
	}
	if w.cfg.Compress != 0 {
		return w.compress(ctx, coreDumpFileName)
	}
	return result, nil
}

// classifyHelperFailure implements spec.md §6's failure rule: non-zero
// exit, or the literal "gcore: failed" substring in the last captured
// line even on a zero exit status.
func classifyHelperFailure(waitErr error, lines []string) error {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			status := exitErr.ExitCode()
			if status == 127 {
				return fmt.Errorf("helper not found in PATH (exit 127)")
			}
			return fmt.Errorf("helper exited with status %d", status)
		}
		return fmt.Errorf("waiting for helper: %w", waitErr)
	}
	if len(lines) > 0 && strings.Contains(lines[len(lines)-1], HelperFailedMarker) {
		return fmt.Errorf("helper reported failure: %s", lines[len(lines)-1])
	}
	return nil
}

func checkWritable(fs afero.Fs, dir string) error {
	probe := dir + "/.dumpwatch-write-check"
	f, err := fs.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return fs.Remove(probe)
}
