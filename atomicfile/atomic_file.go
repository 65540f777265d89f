package atomicfile

import (
	"bytes"
	"errors"
	"io"

	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/remote"
)

// TmpSuffix is appended to the destination path to get the temp file path
const TmpSuffix = ".tmp"

var (
	// ErrCancelled is returned by calls subsequent to Cancel()
	ErrCancelled = errors.New("cancelled")

	// ensure we implement desired interface
	_ io.WriteCloser = &File{}
)

// File allows writing to a remote file atomically i.e. readers see either
// the old or the new content, never a partial write
type File struct {
	fs      remote.FS
	dstPath string
	tmpPath string
	buf     bytes.Buffer
	closed  bool
	err     error

	// Degraded is set by Close if rename didn't work and we had to
	// overwrite destination in place
	Degraded bool
}

// New creates new File. Nothing is written to the remote until Close.
func New(fsys remote.FS, path string) *File {
	return &File{
		fs:      fsys,
		dstPath: path,
		tmpPath: path + TmpSuffix,
	}
}

// Write writes data to a file
func (f *File) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.closed {
		return 0, ErrCancelled
	}
	return f.buf.Write(d)
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// RemoveIfNotClosed discards the file if we didn't Close it yet.
// Destination file will not be touched.
// Use it with defer to ensure cleanup in case of an early return.
// RemoveIfNotClosed after Close is a no-op.
func (f *File) RemoveIfNotClosed() {
	if f == nil || f.closed {
		return
	}
	f.err = ErrCancelled
	_ = f.Close()
}

// Close writes the temp file and renames it over destination.
// If rename fails, it falls back to overwriting destination
// directly and sets Degraded. Can be called multiple times
// to make it easier to use via defer.
func (f *File) Close() error {
	if f.closed {
		// return the first error we encountered
		return f.err
	}
	f.closed = true
	if f.err != nil {
		return f.err
	}
	d := f.buf.Bytes()

	err := f.fs.WriteFile(f.tmpPath, d)
	if err != nil {
		// a partial temp file might be there
		_ = f.fs.Remove(f.tmpPath)
		f.err = err
		return err
	}

	errRename := f.fs.Rename(f.tmpPath, f.dstPath)
	if errRename == nil {
		return nil
	}
	log.Logf("atomicfile: rename '%s' => '%s' failed with '%s', overwriting in place\n", f.tmpPath, f.dstPath, errRename)
	f.Degraded = true
	err = f.fs.WriteFile(f.dstPath, d)
	_ = f.fs.Remove(f.tmpPath)
	if err != nil {
		f.err = err
		return err
	}
	log.Event("atomicfile.degraded", "path", f.dstPath, "error", errRename.Error())
	return nil
}

// WriteFile writes d to path atomically if the server allows it.
// degraded is true if it had to overwrite path in place.
func WriteFile(fsys remote.FS, path string, d []byte) (degraded bool, err error) {
	f := New(fsys, path)
	defer f.RemoveIfNotClosed()
	if _, err = f.Write(d); err != nil {
		return false, err
	}
	err = f.Close()
	return f.Degraded, err
}
