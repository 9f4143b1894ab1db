package xioutil

import (
	"bufio"
	"context"
	"io"
)

// ReadLinesBounded reads at most max lines from r, stopping early if ctx is
// done. It is how the dump writer captures the helper's merged
// stdout/stderr per spec.md §4.5 step 10 ("Read up to MAX_LINES of helper
// output line-by-line (bounded buffer)") without risking an unbounded
// buffer if a runaway helper never stops writing.
func ReadLinesBounded(ctx context.Context, r io.Reader, max int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	lines := make([]string, 0, max)
	for len(lines) < max && scanner.Scan() {
		select {
		case <-ctx.Done():
			return lines, ctx.Err()
		default:
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, err
	}
	return lines, nil
}
