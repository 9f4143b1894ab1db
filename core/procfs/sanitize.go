package procfs

import "strings"

// Sanitize replaces every non-alphanumeric byte with '_', matching the
// original implementation's sanitize() used both for process-name matching
// in discovery and for building dump file names.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
