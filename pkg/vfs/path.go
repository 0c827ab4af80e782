package vfs

import (
	"errors"
	"path"
	"strings"
)

// Common path-related errors.
var (
	ErrEmptyPath   = errors.New("vfs: empty path")
	ErrInvalidPath = errors.New("vfs: invalid path")
	ErrPathTooLong = errors.New("vfs: path too long")
)

// MaxPathLength is the maximum allowed path length, terminator included.
const MaxPathLength = 1024

// Clean normalizes the path to an absolute path without "." or ".."
// elements. Relative paths are taken relative to the root.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsAbs returns true if the path is absolute.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// Dir returns all but the last element of the path.
func Dir(p string) string {
	dir, _ := Split(p)
	return dir
}

// Base returns the last element of the path.
func Base(p string) string {
	_, base := Split(p)
	return base
}

// Split splits the path into directory and base components.
func Split(p string) (dir, base string) {
	p = Clean(p)

	lastSlash := strings.LastIndex(p, "/")
	if lastSlash == 0 {
		return "/", p[1:]
	}
	return p[:lastSlash], p[lastSlash+1:]
}

// Join joins any number of path elements into a single path.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// Components returns the elements of a cleaned path, root excluded.
func Components(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// ValidatePath checks if the path is valid for use in the VFS.
func ValidatePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	if len(p) >= MaxPathLength {
		return ErrPathTooLong
	}
	if strings.Contains(p, "\x00") {
		return ErrInvalidPath
	}
	return nil
}
