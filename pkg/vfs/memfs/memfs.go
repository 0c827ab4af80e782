// Package memfs provides an in-memory filesystem implementation.
// The kernel boots with one to hold the program images it can exec.
package memfs

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	vfs "kernos/pkg/vfs"
)

// ErrFileNotFound is returned when a file is not found.
var ErrFileNotFound = vfs.ErrNotExist

// ErrNotDirectory is returned when a path is not a directory.
var ErrNotDirectory = vfs.ErrNotDir

// ErrIsDirectory is returned when an operation requires a non-directory.
var ErrIsDirectory = vfs.ErrIsDir

// ErrClosed is returned when reading from a closed file.
var ErrClosed = errors.New("memfs: file already closed")

// memNode represents a node in the filesystem (file or directory).
type memNode struct {
	data     []byte
	isDir    bool
	children map[string]*memNode
	mode     os.FileMode
	mtime    time.Time
}

// newMemNode creates a new memory node.
func newMemNode(isDir bool, mode os.FileMode) *memNode {
	n := &memNode{
		isDir: isDir,
		mode:  mode & os.ModePerm,
		mtime: time.Now(),
	}
	if isDir {
		n.children = make(map[string]*memNode)
		n.mode |= os.ModeDir
	}
	return n
}

// FS represents an in-memory filesystem. Files are immutable once written:
// WriteFile replaces a node's contents, so open files keep reading the bytes
// they were opened with.
type FS struct {
	mu   sync.RWMutex
	root *memNode
}

// New creates a new in-memory filesystem.
func New() *FS {
	return &FS{root: newMemNode(true, 0755)}
}

// lookup walks the tree to path. Callers hold fs.mu.
func (fs *FS) lookup(path string) (*memNode, error) {
	node := fs.root
	for _, part := range vfs.Components(path) {
		if !node.isDir {
			return nil, ErrNotDirectory
		}
		child, ok := node.children[part]
		if !ok {
			return nil, ErrFileNotFound
		}
		node = child
	}
	return node, nil
}

// Open implements vfs.FileSystem.Open.
func (fs *FS) Open(path string) (vfs.File, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if node.isDir {
		return nil, ErrIsDirectory
	}

	return &memFile{
		info: nodeInfo(vfs.Base(path), node),
		data: node.data,
	}, nil
}

// Stat implements vfs.FileSystem.Stat.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return vfs.FileInfo{}, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	return nodeInfo(vfs.Base(path), node), nil
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	node := fs.root
	for _, part := range vfs.Components(path) {
		child, ok := node.children[part]
		if !ok {
			child = newMemNode(true, perm)
			node.children[part] = child
		} else if !child.isDir {
			return ErrNotDirectory
		}
		node = child
	}
	return nil
}

// ReadDir implements vfs.FileSystem.ReadDir.
func (fs *FS) ReadDir(path string) ([]vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if !node.isDir {
		return nil, ErrNotDirectory
	}

	entries := make([]vfs.FileInfo, 0, len(node.children))
	for name, child := range node.children {
		entries = append(entries, nodeInfo(name, child))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if node.isDir {
		return nil, ErrIsDirectory
	}

	return append([]byte(nil), node.data...), nil
}

// WriteFile implements vfs.FileSystem.WriteFile.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, base := vfs.Split(path)
	if base == "" {
		return ErrIsDirectory
	}
	dirNode, err := fs.lookup(dir)
	if err != nil {
		return err
	}
	if !dirNode.isDir {
		return ErrNotDirectory
	}

	if existing, ok := dirNode.children[base]; ok && existing.isDir {
		return ErrIsDirectory
	}

	node := newMemNode(false, perm)
	node.data = append([]byte(nil), data...)
	dirNode.children[base] = node
	return nil
}

func nodeInfo(name string, node *memNode) vfs.FileInfo {
	return vfs.FileInfo{
		Name:    name,
		Size:    int64(len(node.data)),
		Mode:    node.mode,
		ModTime: node.mtime,
		IsDir:   node.isDir,
	}
}

// memFile is an open handle on a snapshot of a file's contents.
type memFile struct {
	mu     sync.Mutex
	info   vfs.FileInfo
	data   []byte
	offset int64
	closed bool
}

func (f *memFile) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	if f.offset >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *memFile) ReadAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, errors.New("memfs: negative offset")
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.offset + offset
	case io.SeekEnd:
		abs = int64(len(f.data)) + offset
	default:
		return 0, errors.New("memfs: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("memfs: negative position")
	}
	f.offset = abs
	return abs, nil
}

func (f *memFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.closed = true
	return nil
}

func (f *memFile) Stat() (vfs.FileInfo, error) {
	return f.info, nil
}
