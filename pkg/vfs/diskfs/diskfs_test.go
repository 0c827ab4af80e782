package diskfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	vfs "kernos/pkg/vfs"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	fs := New(tmpDir)

	if fs.Root() != tmpDir {
		t.Errorf("root is %q, expected %q", fs.Root(), tmpDir)
	}
}

func TestWriteAndOpen(t *testing.T) {
	tmpDir := t.TempDir()
	fs := New(tmpDir)

	if err := fs.MkdirAll("/usr/bin", 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := fs.WriteFile("/usr/bin/prog", []byte("image"), 0755); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	// Check file exists on disk
	if _, err := os.Stat(filepath.Join(tmpDir, "usr", "bin", "prog")); err != nil {
		t.Errorf("file should exist on disk: %v", err)
	}

	f, err := fs.Open("/usr/bin/prog")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil || string(data) != "image" {
		t.Errorf("read %q, %v", data, err)
	}

	buf := make([]byte, 3)
	if n, err := f.ReadAt(buf, 2); n != 3 || err != nil || string(buf) != "age" {
		t.Errorf("ReadAt(2) = %d, %v, %q", n, err, buf)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.IsDir || info.Name != "prog" || info.Size != 5 {
		t.Errorf("Stat() = %+v", info)
	}
}

func TestReadDir(t *testing.T) {
	tmpDir := t.TempDir()
	fs := New(tmpDir)

	for _, name := range []string{"/b", "/a", "/c"} {
		if err := fs.WriteFile(name, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := fs.MkdirAll("/dir", 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := fs.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"a", "b", "c", "dir"}
	if len(names) != len(want) {
		t.Fatalf("ReadDir() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
	if !entries[3].IsDir {
		t.Error("dir should be a directory")
	}
}

func TestErrors(t *testing.T) {
	tmpDir := t.TempDir()
	fs := New(tmpDir)
	if err := fs.WriteFile("/file", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll("/dir", 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want error
	}{
		{"/missing", vfs.ErrNotExist},
		{"/dir", vfs.ErrIsDir},
		{"/file/child", vfs.ErrNotDir},
		{"", vfs.ErrEmptyPath},
	}

	for _, tt := range tests {
		if _, err := fs.Open(tt.path); err != tt.want {
			t.Errorf("Open(%q) = %v, want %v", tt.path, err, tt.want)
		}
	}

	if _, err := fs.ReadFile("/missing"); err != vfs.ErrNotExist {
		t.Errorf("ReadFile(missing) = %v", err)
	}
	if _, err := fs.Stat("/missing"); err != vfs.ErrNotExist {
		t.Errorf("Stat(missing) = %v", err)
	}
}

func TestPathsStayUnderRoot(t *testing.T) {
	tmpDir := t.TempDir()
	fs := New(filepath.Join(tmpDir, "root"))
	if err := os.MkdirAll(fs.Root(), 0755); err != nil {
		t.Fatal(err)
	}

	if err := fs.WriteFile("/../../escape", []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fs.Root(), "escape")); err != nil {
		t.Errorf("file should be inside the root: %v", err)
	}
}
