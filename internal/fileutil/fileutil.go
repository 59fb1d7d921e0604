// Package fileutil provides filesystem helpers shared by the catalogue, the
// credential store and the CLI. It has no HTTP dependencies.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when a relative path escapes its base.
var ErrForbiddenPath = errors.New("forbidden path")

// WriteFileAtomic writes data to a temporary file in the same directory and
// renames it over path, so readers see either the old or the new content.
// Parent directories are created with 0700.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// ResolveSafePath resolves rel (a slash-separated relative path) against base
// and returns the absolute path. It rejects:
//   - empty rel or a leading slash
//   - paths that escape base via ".." traversal or symlink
func ResolveSafePath(base, rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", ErrForbiddenPath
	}

	abs := filepath.Join(base, filepath.FromSlash(rel))
	cleanBase := filepath.Clean(base)
	if !within(abs, cleanBase) {
		return "", ErrForbiddenPath
	}

	realBase, err := filepath.EvalSymlinks(cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	resolved, err := resolveExisting(abs, cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	if !within(resolved, realBase) && !within(resolved, cleanBase) {
		return "", ErrForbiddenPath
	}
	return abs, nil
}

func within(path, base string) bool {
	return path == base || strings.HasPrefix(path, base+string(os.PathSeparator))
}

// resolveExisting walks up the path until it finds an existing ancestor, then
// evaluates symlinks on that ancestor.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			return filepath.EvalSymlinks(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, base) {
			return filepath.EvalSymlinks(base)
		}
		cur = parent
	}
}

// CopyFile copies src to dst with the given permissions, creating
// intermediate directories as needed.
func CopyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
