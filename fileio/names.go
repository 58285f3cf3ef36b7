package fileio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// forbiddenChars is the union of characters forbidden by common
// filesystems (Windows reserved characters plus the NUL byte and control
// characters that trip up some mobile storage providers).
var forbiddenChars = map[rune]bool{
	'<': true, '>': true, ':': true, '"': true,
	'/': true, '\\': true, '|': true, '?': true, '*': true,
	0: true,
}

// forbiddenCharReplacement is substituted for every forbidden rune before
// conflict resolution runs.
const forbiddenCharReplacement = '_'

// SanitizeFilename replaces every character forbidden by common
// filesystems with a safe substitute, leaving the file extension intact so
// later conflict resolution can still split on it.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || forbiddenChars[r] {
			b.WriteRune(forbiddenCharReplacement)
			continue
		}
		b.WriteRune(r)
	}
	sanitized := strings.TrimRight(b.String(), " .")
	if sanitized == "" {
		return string(forbiddenCharReplacement)
	}
	return sanitized
}

// ResolveConflict returns the final absolute path for a file completing
// into dir, appending "(n)" before the extension with the smallest
// positive integer n that makes the path unique. name is sanitized first.
// statFn abstracts os.Stat for testability; pass nil to use the real
// filesystem.
func ResolveConflict(dir, name string, statFn func(string) (os.FileInfo, error)) (string, error) {
	if statFn == nil {
		statFn = os.Stat
	}

	clean := SanitizeFilename(name)
	ext := filepath.Ext(clean)
	base := strings.TrimSuffix(clean, ext)

	candidate := filepath.Join(dir, clean)
	for n := 1; ; n++ {
		_, err := statFn(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
}
