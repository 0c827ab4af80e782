// Package overlayfs provides a layered filesystem implementation.
// It combines a read-only lower filesystem with a read-write upper filesystem.
// The kernel mounts host image directories this way: images installed at
// boot live in the upper layer and shadow host images of the same name.
package overlayfs

import (
	"errors"
	"os"
	"sort"

	vfs "kernos/pkg/vfs"
)

// FS represents a layered filesystem with lower (read-only) and upper (read-write) layers.
type FS struct {
	upper vfs.FileSystem
	lower vfs.FileSystem
}

// New creates a new overlay filesystem with the given upper and lower layers.
// The lower layer is never written.
func New(upper, lower vfs.FileSystem) *FS {
	return &FS{
		upper: upper,
		lower: lower,
	}
}

// Open implements vfs.FileSystem.Open.
func (fs *FS) Open(path string) (vfs.File, error) {
	f, err := fs.upper.Open(path)
	if !fallThrough(err) {
		return f, err
	}
	return fs.lower.Open(path)
}

// Stat implements vfs.FileSystem.Stat.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	info, err := fs.upper.Stat(path)
	if !fallThrough(err) {
		return info, err
	}
	return fs.lower.Stat(path)
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	return fs.upper.MkdirAll(path, perm)
}

// ReadDir implements vfs.FileSystem.ReadDir.
func (fs *FS) ReadDir(path string) ([]vfs.FileInfo, error) {
	upperEntries, upperErr := fs.upper.ReadDir(path)
	lowerEntries, lowerErr := fs.lower.ReadDir(path)

	// If both fail, return the error
	if upperErr != nil && lowerErr != nil {
		return nil, upperErr
	}

	// Upper entries shadow lower ones of the same name.
	entries := make(map[string]vfs.FileInfo)
	for _, e := range lowerEntries {
		entries[e.Name] = e
	}
	for _, e := range upperEntries {
		entries[e.Name] = e
	}

	result := make([]vfs.FileInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	data, err := fs.upper.ReadFile(path)
	if !fallThrough(err) {
		return data, err
	}
	return fs.lower.ReadFile(path)
}

// WriteFile implements vfs.FileSystem.WriteFile. Parent directories that
// only exist in the lower layer are created in the upper layer first.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	if dir := vfs.Dir(path); dir != "/" {
		if _, err := fs.upper.Stat(dir); errors.Is(err, vfs.ErrNotExist) {
			info, lerr := fs.lower.Stat(dir)
			if lerr == nil && info.IsDir {
				if err := fs.upper.MkdirAll(dir, info.Mode.Perm()); err != nil {
					return err
				}
			}
		}
	}
	return fs.upper.WriteFile(path, data, perm)
}

// fallThrough reports whether a lookup that failed in the upper layer
// should be retried in the lower layer.
func fallThrough(err error) bool {
	return errors.Is(err, vfs.ErrNotExist) || errors.Is(err, vfs.ErrNotDir)
}
