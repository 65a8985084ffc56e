package filestore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned for paths that would escape a connection's
// file area.
var ErrPathTraversal = errors.New("path escapes root")

// resolveWithinRoot maps a user-provided path to a local path under root.
// It rejects traversal outside root, including via existing symlinks.
func resolveWithinRoot(root, userPath string) (string, error) {
	if root == "" {
		return "", errors.New("root is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	p := strings.TrimLeft(userPath, "/\\")
	joined := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(p)))
	if !isWithin(rootAbs, joined) {
		return "", ErrPathTraversal
	}
	if hasSymlinkComponent(rootAbs, joined) {
		return "", ErrPathTraversal
	}
	if existing := nearestExisting(joined); existing != "" && isWithin(rootAbs, existing) {
		resolved, err := filepath.EvalSymlinks(existing)
		if err != nil {
			return "", err
		}
		if !isWithin(rootAbs, filepath.Clean(resolved)) {
			// The root itself may sit behind a symlink (e.g. /tmp on macOS).
			rootResolved, rerr := filepath.EvalSymlinks(rootAbs)
			if rerr != nil || !isWithin(filepath.Clean(rootResolved), filepath.Clean(resolved)) {
				return "", ErrPathTraversal
			}
		}
	}
	return joined, nil
}

func hasSymlinkComponent(rootAbs, fullPath string) bool {
	rel, err := filepath.Rel(rootAbs, fullPath)
	if err != nil {
		return true
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return false
	}
	cur := rootAbs
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		st, err := os.Lstat(cur)
		if err != nil {
			return false
		}
		if st.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}

func isWithin(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

func nearestExisting(p string) string {
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			return cur
		}
		if !os.IsNotExist(err) {
			return ""
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}
