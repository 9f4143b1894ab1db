package bpfbacktracer

import (
	"fmt"
	"path/filepath"

	"github.com/cilium/ebpf"
)

// MapReader is a read-only consumer of the pinned samples map, wired into
// the dump writer as a dumper.BacktraceSource. It never starts the kprobe
// itself; that is cmd/dumpwatch-bpf's job. A dumpwatch engine process that
// finds no pinned map simply never attaches backtraces to its reports.
type MapReader struct {
	m *ebpf.Map
}

// OpenMapReader opens the default pinned samples map. Callers should treat
// any error as "no companion program is running" and proceed without a
// backtrace source.
func OpenMapReader() (*MapReader, error) {
	return OpenMapReaderFromPath(filepath.Join("/sys/fs/bpf", SamplesMapName))
}

// OpenMapReaderFromPath opens a pinned samples map at an explicit path,
// for deployments that pin dumpwatch-bpf's map somewhere other than the
// default /sys/fs/bpf location.
func OpenMapReaderFromPath(path string) (*MapReader, error) {
	m, err := LoadSamplesMapFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("bpfbacktracer: opening pinned map at %s: %w", path, err)
	}
	return &MapReader{m: m}, nil
}

func (r *MapReader) Close() error {
	return r.m.Close()
}

// Backtrace implements dumper.BacktraceSource.
func (r *MapReader) Backtrace(pid int64) ([]uint64, error) {
	key := uint32(pid)
	var bt Backtrace
	if err := r.m.Lookup(&key, &bt); err != nil {
		return nil, err
	}
	frames := make([]uint64, 0, FramesNumber)
	for _, v := range bt.Vaddrs {
		if v == 0 {
			break
		}
		frames = append(frames, v)
	}
	return frames, nil
}
