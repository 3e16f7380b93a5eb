package gserver

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// resolveDestination maps the path carried by INIT to a local path. With a
// root directory the result is confined beneath it; without one the path is
// used as given.
func resolveDestination(root, requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return "", errors.New("empty destination path")
	}
	if root == "" {
		return filepath.Clean(requested), nil
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	// rooting the request first drops any leading ../ segments
	joined := filepath.Join(rootAbs, filepath.Clean(string(filepath.Separator)+requested))
	rel, err := filepath.Rel(rootAbs, joined)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, requested)
	}
	return joined, nil
}
