// Package procfs samples a target process through /proc, the way the
// teacher's core/process_info.go reads /proc/<pid>/{cmdline,exe,environ}
// through an afero.Fs for testability. It is the leaf all of the engine's
// trigger predicates and target-identity checks are built on.
package procfs

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/dumpwatch/dumpwatch/utils/buildid"
	"github.com/dumpwatch/dumpwatch/utils/environ"
)

// ErrNotFound is returned whenever a /proc/<pid>/... read fails because the
// target has disappeared. Spec.md §7 calls this a target-transient error:
// callers treat it as "the target is gone", not as an engine failure.
var ErrNotFound = errors.New("procfs: target not found")

// Proc gives read access to one target's /proc/<pid> directory.
type Proc struct {
	fs  afero.Fs
	pid int64
}

// New returns a Proc bound to fs (normally afero.NewOsFs(), or
// afero.NewMemMapFs() in tests) and pid.
func New(fs afero.Fs, pid int64) *Proc {
	return &Proc{fs: fs, pid: pid}
}

// PID returns the pid this Proc is bound to.
func (p *Proc) PID() int64 {
	return p.pid
}

func (p *Proc) path(parts ...string) string {
	return filepath.Join(append([]string{"/proc", strconv.FormatInt(p.pid, 10)}, parts...)...)
}

func (p *Proc) readFile(parts ...string) ([]byte, error) {
	b, err := afero.ReadFile(p.fs, p.path(parts...))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

// Exists reports whether the target is still alive, per spec.md §4.3's
// "disappearance is detected ... when reads against /proc/<pid>/... fail
// with not-found."
func (p *Proc) Exists() bool {
	_, err := p.fs.Stat(p.path())
	return err == nil
}

// Comm returns /proc/<pid>/comm trimmed of its trailing newline.
func (p *Proc) Comm() (string, error) {
	b, err := p.readFile("comm")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Cmdline returns the null-separated argv as a slice of strings.
func (p *Proc) Cmdline() ([]string, error) {
	b, err := p.readFile("cmdline")
	if err != nil {
		return nil, err
	}
	parts := strings.Split(strings.TrimRight(string(b), "\x00"), "\x00")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// Executable resolves /proc/<pid>/exe, stripping the kernel's
// "(deleted)" suffix when the backing file has been unlinked.
func (p *Proc) Executable() (path string, deleted bool, err error) {
	if reader, ok := p.fs.(afero.LinkReader); ok {
		target, lerr := reader.ReadlinkIfPossible(p.path("exe"))
		if lerr != nil {
			if os.IsNotExist(lerr) {
				return "", false, ErrNotFound
			}
			return "", false, lerr
		}
		deleted = strings.HasSuffix(target, " (deleted)")
		target = strings.TrimSuffix(target, " (deleted)")
		return target, deleted, nil
	}
	return "", false, fmt.Errorf("procfs: filesystem does not support readlink")
}

// Environ parses /proc/<pid>/environ via utils/environ, giving discovery's
// name-with-wait EnvFilter predicate somewhere to read from.
func (p *Proc) Environ() (environ.Environ, error) {
	f, err := p.fs.Open(p.path("environ"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()
	return environ.New(f), nil
}

// ProcessGroup reads field 5 of /proc/<pid>/stat (pgrp).
func (p *Proc) ProcessGroup() (int64, error) {
	fields, err := p.statFields()
	if err != nil {
		return 0, err
	}
	if len(fields) < 5 {
		return 0, fmt.Errorf("procfs: stat has too few fields")
	}
	return strconv.ParseInt(fields[4], 10, 64)
}

// CPUTicks returns utime+stime, fields 14-15 of /proc/<pid>/stat, the raw
// input to the CPU trigger's delta computation.
func (p *Proc) CPUTicks() (utime, stime int64, err error) {
	fields, err := p.statFields()
	if err != nil {
		return 0, 0, err
	}
	if len(fields) < 15 {
		return 0, 0, fmt.Errorf("procfs: stat has too few fields")
	}
	utime, err = strconv.ParseInt(fields[13], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err = strconv.ParseInt(fields[14], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return utime, stime, nil
}

// statFields reads /proc/<pid>/stat and splits it on whitespace, taking
// care that field 2 (comm) may itself contain spaces inside parens.
func (p *Proc) statFields() ([]string, error) {
	b, err := p.readFile("stat")
	if err != nil {
		return nil, err
	}
	line := string(b)
	close := strings.LastIndexByte(line, ')')
	if close == -1 {
		return strings.Fields(line), nil
	}
	// Field 1 (pid) and field 2 (comm, "(name)") are consumed specially;
	// everything after the closing paren is space-delimited.
	head := strings.Fields(line[:strings.IndexByte(line, '(')])
	tail := strings.Fields(line[close+1:])
	return append(head, append([]string{"comm"}, tail...)...), nil
}

// VmRSSKilobytes parses VmRSS from /proc/<pid>/status, in KB.
func (p *Proc) VmRSSKilobytes() (int64, error) {
	b, err := p.readFile("status")
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(b)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("procfs: malformed VmRSS line %q", line)
		}
		return strconv.ParseInt(fields[1], 10, 64)
	}
	return 0, fmt.Errorf("procfs: VmRSS not found")
}

// ThreadCount counts /proc/<pid>/task entries (minus . and ..).
func (p *Proc) ThreadCount() (int, error) {
	return p.countDirEntries("task")
}

// FileDescriptorCount counts /proc/<pid>/fd entries.
func (p *Proc) FileDescriptorCount() (int, error) {
	return p.countDirEntries("fd")
}

func (p *Proc) countDirEntries(dir string) (int, error) {
	entries, err := afero.ReadDir(p.fs, p.path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return len(entries), nil
}

// HasManagedAgentSocket reports whether /proc/<pid>/net/unix lists a
// dumpwatch managed-agent abstract socket for this pid, the signal that
// the target is a managed runtime with an in-process agent listening.
func (p *Proc) HasManagedAgentSocket(socketName string) (bool, error) {
	b, err := p.readFile("net", "unix")
	if err != nil {
		return false, err
	}
	return strings.Contains(string(b), socketName), nil
}

// BuildID extracts the target's ELF build id via utils/buildid, used to
// tag a dump's report with the exact binary that produced it.
func (p *Proc) BuildID() (string, error) {
	f, err := p.fs.Open(p.path("exe"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return "", err
	}
	return buildid.New(ef)
}
