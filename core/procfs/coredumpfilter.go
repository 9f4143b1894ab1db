package procfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CoreDumpFilter reads /proc/<pid>/coredump_filter. The kernel renders the
// value in lowercase hex ("%lx") on read; dumpwatch preserves that format
// exactly per spec.md §6 ("implementer must preserve these formats for
// compatibility with existing behaviour").
func (p *Proc) CoreDumpFilter() (uint64, error) {
	b, err := p.readFile("coredump_filter")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 16, 64)
}

// SetCoreDumpFilter writes mask to /proc/<pid>/coredump_filter. The kernel
// expects decimal ("%ld") on write, the asymmetry spec.md §6 calls out
// explicitly.
func (p *Proc) SetCoreDumpFilter(mask uint64) error {
	f, err := p.fs.OpenFile(p.path("coredump_filter"), os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d", mask)
	return err
}
