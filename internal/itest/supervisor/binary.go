package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ResolveBinary turns the configured worker path into an absolute path to an
// executable file. Bare names go through PATH; paths containing glob meta
// characters are expanded with doublestar and the first executable match (in
// lexical order) wins.
func ResolveBinary(pattern string) (string, error) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return "", fmt.Errorf("%w: no worker binary configured", ErrBinaryNotFound)
	}
	if !strings.ContainsRune(p, os.PathSeparator) && !hasMeta(p) {
		found, err := exec.LookPath(p)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, p)
		}
		return filepath.Abs(found)
	}
	if hasMeta(p) {
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return "", fmt.Errorf("%w: bad pattern %q: %v", ErrBinaryNotFound, p, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if isExecutable(m) {
				return filepath.Abs(m)
			}
		}
		return "", fmt.Errorf("%w: no executable matches %s", ErrBinaryNotFound, p)
	}
	if !isExecutable(p) {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, p)
	}
	return filepath.Abs(p)
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0
}
