package procfs

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/afero"
)

func writeProcFile(t *testing.T, fs afero.Fs, pid int64, name, content string) {
	t.Helper()
	path := filepath.Join("/proc", strconv.FormatInt(pid, 10), name)
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := afero.WriteFile(fs, path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func TestCPUTicks(t *testing.T) {
	fs := afero.NewMemMapFs()
	// Field 14 (utime) = 100, field 15 (stime) = 50.
	stat := "1234 (myproc) S 1 1 1 0 -1 4194304 100 0 0 0 100 50 0 0 20 0 4 0 12345 0 0 0 0 0"
	writeProcFile(t, fs, 1234, "stat", stat)

	p := New(fs, 1234)
	ut, st, err := p.CPUTicks()
	if err != nil {
		t.Fatalf("CPUTicks: %v", err)
	}
	if ut != 100 || st != 50 {
		t.Errorf("CPUTicks() = (%d,%d), want (100,50)", ut, st)
	}
}

func TestProcessGroup(t *testing.T) {
	fs := afero.NewMemMapFs()
	stat := "1234 (myproc) S 1 777 1 0 -1 4194304 100 0 0 0 100 50 0 0 20 0 4 0 12345 0 0 0 0 0"
	writeProcFile(t, fs, 1234, "stat", stat)

	p := New(fs, 1234)
	pg, err := p.ProcessGroup()
	if err != nil {
		t.Fatalf("ProcessGroup: %v", err)
	}
	if pg != 777 {
		t.Errorf("ProcessGroup() = %d, want 777", pg)
	}
}

func TestVmRSSKilobytes(t *testing.T) {
	fs := afero.NewMemMapFs()
	status := "Name:\tmyproc\nVmPeak:\t  123456 kB\nVmRSS:\t   45678 kB\nThreads:\t4\n"
	writeProcFile(t, fs, 1234, "status", status)

	p := New(fs, 1234)
	kb, err := p.VmRSSKilobytes()
	if err != nil {
		t.Fatalf("VmRSSKilobytes: %v", err)
	}
	if kb != 45678 {
		t.Errorf("VmRSSKilobytes() = %d, want 45678", kb)
	}
}

func TestThreadAndFileDescriptorCount(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, tid := range []string{"1234", "1235", "1236"} {
		writeProcFile(t, fs, 1234, "task/"+tid+"/stat", "x")
	}
	for _, fd := range []string{"0", "1", "2"} {
		writeProcFile(t, fs, 1234, "fd/"+fd, "")
	}

	p := New(fs, 1234)
	threads, err := p.ThreadCount()
	if err != nil {
		t.Fatalf("ThreadCount: %v", err)
	}
	if threads != 3 {
		t.Errorf("ThreadCount() = %d, want 3", threads)
	}
	fds, err := p.FileDescriptorCount()
	if err != nil {
		t.Fatalf("FileDescriptorCount: %v", err)
	}
	if fds != 3 {
		t.Errorf("FileDescriptorCount() = %d, want 3", fds)
	}
}

func TestCountDirEntriesNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := New(fs, 9999)
	if _, err := p.ThreadCount(); err != ErrNotFound {
		t.Errorf("ThreadCount() on missing pid = %v, want ErrNotFound", err)
	}
}

func TestCoreDumpFilterRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeProcFile(t, fs, 1234, "coredump_filter", "33")

	p := New(fs, 1234)
	mask, err := p.CoreDumpFilter()
	if err != nil {
		t.Fatalf("CoreDumpFilter: %v", err)
	}
	if mask != 0x33 {
		t.Errorf("CoreDumpFilter() = %#x, want 0x33 (the kernel renders this field in hex)", mask)
	}

	if err := p.SetCoreDumpFilter(0xff); err != nil {
		t.Fatalf("SetCoreDumpFilter: %v", err)
	}
	got, err := afero.ReadFile(fs, "/proc/1234/coredump_filter")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// The kernel expects decimal on write, the asymmetry spec.md calls out.
	if string(got) != "255" {
		t.Errorf("SetCoreDumpFilter wrote %q, want decimal \"255\"", got)
	}
}

func TestSanitize(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"myproc", "myproc"},
		{"my-proc.exe", "my_proc_exe"},
		{"", ""},
	} {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLivePIDs(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{"1", "42", "self"} {
		if err := fs.MkdirAll("/proc/"+name, 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	// cpuinfo is a file, not a pid directory; self is non-numeric. Neither
	// should show up in LivePIDs.
	afero.WriteFile(fs, "/proc/cpuinfo", []byte("x"), 0644)

	pids, err := LivePIDs(fs)
	if err != nil {
		t.Fatalf("LivePIDs: %v", err)
	}
	want := map[int64]bool{1: true, 42: true}
	if len(pids) != len(want) {
		t.Fatalf("LivePIDs() = %v, want keys of %v", pids, want)
	}
	for _, p := range pids {
		if !want[p] {
			t.Errorf("LivePIDs() contained unexpected pid %d", p)
		}
	}
}
