package vfs

import (
	"errors"
	"io"
	"os"
	"time"
)

// Errors shared by file system implementations.
var (
	ErrNotExist = errors.New("vfs: file does not exist")
	ErrNotDir   = errors.New("vfs: not a directory")
	ErrIsDir    = errors.New("vfs: is a directory")
)

// FileSystem is the interface every storage backend implements.
type FileSystem interface {
	// Open opens a file for reading. The file must exist.
	Open(path string) (File, error)

	// Stat returns a FileInfo describing the file at path.
	Stat(path string) (FileInfo, error)

	// MkdirAll creates a directory at path and any necessary parents.
	MkdirAll(path string, perm os.FileMode) error

	// ReadDir returns the entries of the directory at path sorted by name.
	ReadDir(path string) ([]FileInfo, error)

	// ReadFile reads the entire file at path.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to the file at path, creating it if necessary.
	// The file is truncated if it already exists.
	WriteFile(path string, data []byte, perm os.FileMode) error
}

// File is an open, read-only file.
type File interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer

	// Stat returns a FileInfo describing the file.
	Stat() (FileInfo, error)
}

// FileInfo describes a file and is returned by Stat and ReadDir.
type FileInfo struct {
	Name    string      // Base name of the file
	Size    int64       // Length in bytes for regular files
	Mode    os.FileMode // File mode bits
	ModTime time.Time   // Modification time
	IsDir   bool        // True if path is a directory
}
