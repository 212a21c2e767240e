package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrFileAccess is returned for a file that does not exist, is not a regular
// file, or lies outside the project root.
var ErrFileAccess = errors.New("file access error")

// Files reads and writes existing regular files below a project root.
type Files struct {
	root string
}

// NewFiles confines access to root.
func NewFiles(root string) *Files {
	return &Files{root: filepath.Clean(root)}
}

// Root returns the project root.
func (f *Files) Root() string { return f.root }

// Read returns the content of the file at the project-relative path rel.
func (f *Files) Read(rel string) ([]byte, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full) // #nosec G304 -- confined to the project root by resolve
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileAccess, rel, err)
	}
	return b, nil
}

// Write replaces the content of an existing file, keeping its permissions.
func (f *Files) Write(rel string, content []byte) error {
	full, err := f.resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFileAccess, rel, err)
	}
	if err := os.WriteFile(full, content, info.Mode().Perm()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFileAccess, rel, err)
	}
	return nil
}

func (f *Files) resolve(rel string) (string, error) {
	slashed := filepath.ToSlash(strings.TrimSpace(rel))
	if slashed == "" || strings.Contains(slashed, "\x00") {
		return "", fmt.Errorf("%w: invalid path %q", ErrFileAccess, rel)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s is outside the project", ErrFileAccess, rel)
		}
	}
	full := filepath.Join(f.root, filepath.FromSlash(path.Clean("/"+slashed)))
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s does not exist", ErrFileAccess, rel)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrFileAccess, rel, err)
	}
	root, err := filepath.EvalSymlinks(f.root)
	if err != nil {
		return "", fmt.Errorf("%w: project root: %v", ErrFileAccess, err)
	}
	if r, err := filepath.Rel(root, resolved); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the project", ErrFileAccess, rel)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFileAccess, rel, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrFileAccess, rel)
	}
	return resolved, nil
}
