package procfs

import (
	"strconv"

	"github.com/spf13/afero"
)

// LivePIDs lists every numeric entry directly under /proc, the base
// enumeration both the process-group and process-name discovery modes
// scan on each polling tick.
func LivePIDs(fs afero.Fs) ([]int64, error) {
	entries, err := afero.ReadDir(fs, "/proc")
	if err != nil {
		return nil, err
	}
	pids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
