package atomicfile

import (
	"context"
	"errors"
	"testing"

	"github.com/aulaforms/aulaforms/remote"
)

func newFS(t *testing.T) (*remote.MemFS, remote.Session) {
	m := remote.NewMemFS()
	m.Put("/data/.keep", nil)
	s, err := m.Dial(context.Background())
	assertNoError(t, err)
	return m, s
}

func assertFileContent(t *testing.T, m *remote.MemFS, path string, exp string) {
	d, ok := m.Get(path)
	if !ok {
		t.Fatalf("file '%s' doesn't exist", path)
	}
	if string(d) != exp {
		t.Fatalf("path: '%s', expected: '%s', got: '%s'", path, exp, d)
	}
}

func assertFileNotExists(t *testing.T, m *remote.MemFS, path string) {
	if _, ok := m.Get(path); ok {
		t.Fatalf("file '%s' exist, expected to not exist", path)
	}
}

func assertNoError(t *testing.T, err error) {
	if err != nil {
		t.Fatalf("error: %s", err)
	}
}

func assertError(t *testing.T, err error) {
	if err == nil {
		t.Fatal("expected to get an error")
	}
}

func TestWrite(t *testing.T) {
	m, s := newFS(t)
	m.Put("/data/a.csv", []byte("old"))
	f := New(s, "/data/a.csv")
	_, err := f.WriteString("new ")
	assertNoError(t, err)
	_, err = f.Write([]byte("content"))
	assertNoError(t, err)
	// nothing written before Close
	assertFileContent(t, m, "/data/a.csv", "old")
	assertNoError(t, f.Close())
	assertNoError(t, f.Close())
	assertFileContent(t, m, "/data/a.csv", "new content")
	assertFileNotExists(t, m, "/data/a.csv.tmp")
	if f.Degraded {
		t.Fatal("expected not degraded")
	}
	_, err = f.Write([]byte("x"))
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestRemoveIfNotClosed(t *testing.T) {
	m, s := newFS(t)
	f := New(s, "/data/a.csv")
	_, err := f.Write([]byte("x"))
	assertNoError(t, err)
	f.RemoveIfNotClosed()
	assertFileNotExists(t, m, "/data/a.csv")
	assertFileNotExists(t, m, "/data/a.csv.tmp")
	if f.Close() != ErrCancelled {
		t.Fatal("expected ErrCancelled")
	}
	f.RemoveIfNotClosed()
}

func TestRenameFallback(t *testing.T) {
	m, s := newFS(t)
	m.Put("/data/a.csv", []byte("old"))
	m.NoRename = true
	degraded, err := WriteFile(s, "/data/a.csv", []byte("new"))
	assertNoError(t, err)
	if !degraded {
		t.Fatal("expected degraded write")
	}
	assertFileContent(t, m, "/data/a.csv", "new")
	assertFileNotExists(t, m, "/data/a.csv.tmp")
}

func TestTmpWriteFails(t *testing.T) {
	m, s := newFS(t)
	m.Put("/data/a.csv", []byte("old"))
	m.FailNext(remote.OpWrite, errors.New("disk full"))
	_, err := WriteFile(s, "/data/a.csv", []byte("new"))
	assertError(t, err)
	assertFileContent(t, m, "/data/a.csv", "old")
	assertFileNotExists(t, m, "/data/a.csv.tmp")
}

func TestFallbackWriteFails(t *testing.T) {
	m, s := newFS(t)
	m.Put("/data/a.csv", []byte("old"))
	m.NoRename = true
	// first write is the temp file, second the in-place overwrite
	m.FailNext(remote.OpWrite, nil)
	m.FailNext(remote.OpWrite, errors.New("permission denied"))
	f := New(s, "/data/a.csv")
	_, _ = f.Write([]byte("new"))
	assertError(t, f.Close())
	assertError(t, f.Close())
	assertFileContent(t, m, "/data/a.csv", "old")
	assertFileNotExists(t, m, "/data/a.csv.tmp")
}

func TestMissingDir(t *testing.T) {
	_, s := newFS(t)
	_, err := WriteFile(s, "/nope/a.csv", []byte("x"))
	if !remote.IsNotExist(err) {
		t.Fatalf("expected not exist error, got %v", err)
	}
}
