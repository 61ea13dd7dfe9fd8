package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathResolution = errors.New("path resolution failed")

// RootMarkers identify the project root when none is configured.
var RootMarkers = []string{"ergotype.toml", "go.mod", ".git"}

// ToRelative expresses abs relative to root in slash-separated wire form.
// Paths outside root cannot be expressed and return ErrPathResolution.
func ToRelative(root, abs string) (string, error) {
	if !filepath.IsAbs(abs) {
		return filepath.ToSlash(filepath.Clean(abs)), nil
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: root %q: %v", ErrPathResolution, root, err)
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrPathResolution, abs, err)
	}
	if escapes(rel) {
		return "", fmt.Errorf("%w: %q is outside %q", ErrPathResolution, abs, rootAbs)
	}
	return filepath.ToSlash(rel), nil
}

// ToAbsolute resolves a wire path against the local root. Absolute inputs are
// returned unchanged.
func ToAbsolute(root, rel string) (string, error) {
	local := filepath.FromSlash(rel)
	if filepath.IsAbs(local) {
		return local, nil
	}
	if escapes(filepath.Clean(local)) {
		return "", fmt.Errorf("%w: %q leaves the project root", ErrPathResolution, rel)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: root %q: %v", ErrPathResolution, root, err)
	}
	return filepath.Join(rootAbs, local), nil
}

// FindRoot walks up from start until a directory holding one of RootMarkers
// is found.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathResolution, err)
	}
	for {
		for _, marker := range RootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no project root above %q", ErrPathResolution, start)
		}
		dir = parent
	}
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
