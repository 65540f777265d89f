// Package remote is file access to the host that stores record files.
//
// Session is one live connection: SSH for running commands (the liveness
// probe) and SFTP for file operations. MemFS is an in-memory host used
// in tests and for local development.
package remote

import (
	"context"
	"errors"
	"io/fs"
	"os"
)

// FS is the subset of file operations the record store needs.
// Paths are slash-separated, as on the remote host.
type FS interface {
	Stat(path string) (os.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	// WriteFile creates or truncates path
	WriteFile(path string, d []byte) error
	// CreateExclusive creates path with content d and fails with an error
	// matching fs.ErrExist if it already exists
	CreateExclusive(path string, d []byte) error
	// Rename renames oldPath to newPath, replacing newPath if it exists
	Rename(oldPath, newPath string) error
	Remove(path string) error
	MkdirAll(dir string) error
}

// Session is a live connection to the remote host
type Session interface {
	FS
	// Probe does a cheap round trip to check the connection is alive
	Probe(ctx context.Context) error
	Close() error
}

// Dialer opens a new Session
type Dialer func(ctx context.Context) (Session, error)

// IsNotExist returns true if err means the file doesn't exist
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// IsExist returns true if err means the file already exists
func IsExist(err error) bool {
	return errors.Is(err, fs.ErrExist)
}
