// Package diskfs exposes a host directory as a file system, so program
// images built outside the machine can be exec'd.
package diskfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	vfs "kernos/pkg/vfs"
)

// FS is a file system rooted at a host directory.
type FS struct {
	root string
}

// New creates a file system rooted at the given host directory.
func New(root string) *FS {
	return &FS{root: filepath.Clean(root)}
}

// Root returns the host directory.
func (fs *FS) Root() string {
	return fs.root
}

// Open implements vfs.FileSystem.Open.
func (fs *FS) Open(path string) (vfs.File, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}
	file, err := os.Open(fs.fullPath(path))
	if err != nil {
		return nil, translate(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, translate(err)
	}
	if info.IsDir() {
		file.Close()
		return nil, vfs.ErrIsDir
	}
	return &diskFile{File: file, path: path}, nil
}

// Stat implements vfs.FileSystem.Stat.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return vfs.FileInfo{}, err
	}
	info, err := os.Stat(fs.fullPath(path))
	if err != nil {
		return vfs.FileInfo{}, translate(err)
	}
	return fileInfoFromOS(info), nil
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}
	return translate(os.MkdirAll(fs.fullPath(path), perm))
}

// ReadDir implements vfs.FileSystem.ReadDir.
func (fs *FS) ReadDir(path string) ([]vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fs.fullPath(path))
	if err != nil {
		return nil, translate(err)
	}

	result := make([]vfs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Removed since the directory was read.
			continue
		}
		result = append(result, fileInfoFromOS(info))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.fullPath(path))
	return data, translate(err)
}

// WriteFile implements vfs.FileSystem.WriteFile.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}
	return translate(os.WriteFile(fs.fullPath(path), data, perm))
}

// fullPath converts a VFS path to a host path under the root.
func (fs *FS) fullPath(path string) string {
	cleanPath := vfs.Clean(path)
	if cleanPath == "/" {
		return fs.root
	}
	// Remove leading slash for filepath.Join
	return filepath.Join(fs.root, filepath.FromSlash(cleanPath[1:]))
}

// translate maps host errors onto the vfs errors callers test for.
func translate(err error) error {
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return vfs.ErrNotExist
	case errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.ENOTDIR):
		return vfs.ErrNotDir
	case errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.EISDIR):
		return vfs.ErrIsDir
	default:
		return err
	}
}

func fileInfoFromOS(info os.FileInfo) vfs.FileInfo {
	return vfs.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
}

// diskFile wraps an os.File to implement vfs.File.
type diskFile struct {
	*os.File
	path string
}

func (f *diskFile) Stat() (vfs.FileInfo, error) {
	info, err := f.File.Stat()
	if err != nil {
		return vfs.FileInfo{}, translate(err)
	}
	return fileInfoFromOS(info), nil
}
