package internal

import (
	"os"
)

// OsProxy is the subset of os package functions the store touches while
// spilling chunks to disk. It exists so tests can observe and fail file
// operations.
type OsProxy interface {
	MkdirAll(path string, perm os.FileMode) error
	CreateTemp(dir, pattern string) (*os.File, error)
	Open(name string) (*os.File, error)
	Stat(name string) (os.FileInfo, error)
	Remove(name string) error
	RemoveAll(path string) error
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) } //nolint:revive
func (RealOS) CreateTemp(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}
func (RealOS) Open(name string) (*os.File, error)     { return os.Open(name) }     //nolint:revive
func (RealOS) Stat(name string) (os.FileInfo, error)  { return os.Stat(name) }     //nolint:revive
func (RealOS) Remove(name string) error               { return os.Remove(name) }   //nolint:revive
func (RealOS) RemoveAll(path string) error            { return os.RemoveAll(path) } //nolint:revive
