package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// MinKernelMajor/MinKernelMinor are spec.md §4.6/§6's startup gate:
// dumpwatch refuses to start on a kernel older than 3.5.
const (
	MinKernelMajor = 3
	MinKernelMinor = 5
)

// BacktraceMinKernelMajor/Minor is the additional gate spec.md §4.6 names
// for any do_coredump-kprobe feature (dumpwatch's eBPF backtrace sampler
// among them): kernel >= 4.18.
const (
	BacktraceMinKernelMajor = 4
	BacktraceMinKernelMinor = 18
)

// kernelRelease reads uname(2)'s release string ("5.10.0-19-amd64"),
// grounded on the pack's getKernelVersion/parseKernelVersion pattern
// (_examples/yairfalse-tapio/pkg/collectors/cni/internal/platform/linux.go),
// adapted from syscall.Uname to golang.org/x/sys/unix.Uname since the rest
// of dumpwatch's syscalls already go through x/sys/unix.
var kernelRelease = func() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("lifecycle: uname: %w", err)
	}
	return cString(uts.Release[:]), nil
}

func cString(b []byte) string {
	if i := indexZero(b); i >= 0 {
		b = b[:i]
	}
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = byte(c)
	}
	return string(out)
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// parseKernelVersion splits a uname release string's leading "major.minor"
// component, ignoring everything after (patch level, distro suffix).
func parseKernelVersion(release string) (major, minor int, err error) {
	fields := strings.SplitN(release, ".", 3)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("lifecycle: malformed kernel release %q", release)
	}
	major, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("lifecycle: malformed kernel release %q: %w", release, err)
	}
	minorField := fields[1]
	// fields[1] may itself carry a trailing "-19-amd64" once a second dot
	// isn't present; strip anything after the first run of digits.
	end := 0
	for end < len(minorField) && minorField[end] >= '0' && minorField[end] <= '9' {
		end++
	}
	minor, err = strconv.Atoi(minorField[:end])
	if err != nil {
		return 0, 0, fmt.Errorf("lifecycle: malformed kernel release %q: %w", release, err)
	}
	return major, minor, nil
}

func versionAtLeast(major, minor, wantMajor, wantMinor int) bool {
	if major != wantMajor {
		return major > wantMajor
	}
	return minor >= wantMinor
}

// RequireKernel enforces spec.md §4.6/§6's startup gate: kernel >= 3.5,
// and, when backtrace sampling is requested, kernel >= 4.18.
func RequireKernel(backtrace bool) error {
	release, err := kernelRelease()
	if err != nil {
		return err
	}
	major, minor, err := parseKernelVersion(release)
	if err != nil {
		return err
	}
	if !versionAtLeast(major, minor, MinKernelMajor, MinKernelMinor) {
		return fmt.Errorf("lifecycle: kernel %d.%d is older than the required %d.%d", major, minor, MinKernelMajor, MinKernelMinor)
	}
	if backtrace && !versionAtLeast(major, minor, BacktraceMinKernelMajor, BacktraceMinKernelMinor) {
		return fmt.Errorf("lifecycle: backtrace sampling requires kernel %d.%d or newer, running %d.%d", BacktraceMinKernelMajor, BacktraceMinKernelMinor, major, minor)
	}
	return nil
}
