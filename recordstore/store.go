package recordstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aulaforms/aulaforms/atomicfile"
	"github.com/aulaforms/aulaforms/filelock"
	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/pool"
	"github.com/aulaforms/aulaforms/remote"
	"github.com/aulaforms/aulaforms/retry"
)

type Config struct {
	// BaseDir is prepended to relative paths
	BaseDir string
	// Delimiter of record files, default ','
	Delimiter rune
	// Retry is applied to every operation, default 2 attempts 1s apart
	Retry retry.Policy
	Lock  filelock.Config
	// OpTimeout bounds a single operation including retries, default 60s
	OpTimeout time.Duration
}

// Store does locked reads and read-modify-writes of record files
// on the remote host
type Store struct {
	cfg    Config
	pool   *pool.Pool
	locker *filelock.Locker
}

func New(cfg Config, p *pool.Pool) *Store {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 60 * time.Second
	}
	return &Store{
		cfg:    cfg,
		pool:   p,
		locker: filelock.New(cfg.Lock),
	}
}

func (s *Store) Pool() *pool.Pool {
	return s.pool
}

func (s *Store) Delimiter() rune {
	return s.cfg.Delimiter
}

// Path resolves name against BaseDir
func (s *Store) Path(name string) string {
	if path.IsAbs(name) || s.cfg.BaseDir == "" {
		return path.Clean(name)
	}
	return path.Join(s.cfg.BaseDir, name)
}

// errors that won't go away by retrying
func isPermanent(err error) bool {
	return errors.Is(err, pool.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// withConn runs fn with a pooled conn, retrying per policy. A conn is
// discarded when fn fails with an error that might be caused by the conn.
// fn gets the ctx of the attempt, bounded by OpTimeout.
func (s *Store) withConn(ctx context.Context, op string, fn func(ctx context.Context, c *pool.Conn) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	policy := s.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		log.Logf("recordstore: %s attempt %d failed: %s\n", op, attempt, err)
	}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		c, err := s.pool.Acquire(ctx)
		if err != nil {
			if isPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		err = fn(ctx, c)
		switch {
		case err == nil:
			s.pool.Release(c)
		case retry.IsPermanent(err), errors.Is(err, filelock.ErrLockTimeout):
			// not the conn's fault
			s.pool.Release(c)
		default:
			s.pool.Discard(c)
		}
		if err != nil && !retry.IsPermanent(err) && isPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

var errNoDir = errors.New("recordstore: directory doesn't exist")

// withLock runs fn while holding the lock for p. For writes the parent
// directory is created first. A lock that an attempt couldn't release
// is released over the conn of the next attempt, or of a final cleanup,
// so a retry never waits on its own marker.
func (s *Store) withLock(ctx context.Context, op string, p string, write bool, fn func(fs remote.FS) error) error {
	var held *filelock.Lock
	err := s.withConn(ctx, op, func(ctx context.Context, c *pool.Conn) error {
		if held != nil {
			if err := held.ReleaseOn(c); err != nil {
				return err
			}
			held = nil
		}
		if write {
			if err := c.MkdirAll(path.Dir(p)); err != nil {
				return fmt.Errorf("recordstore: creating directory for '%s': %w", p, err)
			}
		}
		lock, err := s.locker.Acquire(ctx, c, p)
		if err != nil {
			if !write && remote.IsNotExist(err) {
				return retry.Permanent(errNoDir)
			}
			return err
		}
		err = fn(c)
		if lock.Release() != nil {
			held = lock
		}
		return err
	})
	if held != nil {
		rerr := s.withConn(ctx, "release "+held.Path(), func(_ context.Context, c *pool.Conn) error {
			return held.ReleaseOn(c)
		})
		if rerr != nil {
			log.Logf("recordstore: '%s' left behind, it expires with its lease: %s\n", held.Path(), rerr)
		}
	}
	return err
}

// ReadFile reads the whole file. A file that doesn't exist or is empty
// gives an Empty result, not an error.
func (s *Store) ReadFile(ctx context.Context, name string) Result {
	p := s.Path(name)
	timeStart := time.Now()
	var d []byte
	err := s.withLock(ctx, "read "+p, p, false, func(fs remote.FS) error {
		var err error
		d, err = fs.ReadFile(p)
		if remote.IsNotExist(err) {
			d, err = nil, nil
		}
		return err
	})
	if errors.Is(err, errNoDir) {
		err = nil
	}
	if err != nil {
		log.ErrorEvent("recordstore.read", err, "path", p)
		return Failed(fmt.Errorf("recordstore: reading '%s': %w", p, err))
	}
	log.EventWithDuration("recordstore.read", time.Since(timeStart), "path", p, "size", len(d))
	if len(d) == 0 {
		return EmptyResult()
	}
	return ContentResult(d)
}

func (s *Store) write(fs remote.FS, p string, d []byte) error {
	degraded, err := atomicfile.WriteFile(fs, p, d)
	if err != nil {
		return fmt.Errorf("recordstore: writing '%s': %w", p, err)
	}
	if degraded {
		log.Logf("recordstore: '%s' was overwritten in place, rename not supported\n", p)
	}
	return nil
}

// WriteFile replaces content of the file
func (s *Store) WriteFile(ctx context.Context, name string, content []byte) error {
	p := s.Path(name)
	timeStart := time.Now()
	err := s.withLock(ctx, "write "+p, p, true, func(fs remote.FS) error {
		return s.write(fs, p, content)
	})
	if err != nil {
		log.ErrorEvent("recordstore.write", err, "path", p)
		return err
	}
	log.EventWithDuration("recordstore.write", time.Since(timeStart), "path", p, "size", len(content))
	return nil
}

// Update does a read-modify-write of the file while holding its lock.
// fn gets the current content, seeded with header if the file is empty or
// its first line is not header. The file is written back only if changed.
// An error returned by fn aborts the update and is not retried.
func (s *Store) Update(ctx context.Context, name string, header []string, fn func(t *Table) error) error {
	p := s.Path(name)
	timeStart := time.Now()
	err := s.withLock(ctx, "update "+p, p, true, func(fs remote.FS) error {
		d, err := fs.ReadFile(p)
		if err != nil && !remote.IsNotExist(err) {
			return fmt.Errorf("recordstore: reading '%s': %w", p, err)
		}
		t := ParseTable(d, header, s.cfg.Delimiter)
		if t.HeaderMismatch() {
			log.Logf("recordstore: '%s' doesn't start with expected header, inserting it\n", p)
		}
		if fn != nil {
			if err = fn(t); err != nil {
				return retry.Permanent(err)
			}
		}
		if !t.Changed() {
			return nil
		}
		return s.write(fs, p, t.Bytes())
	})
	if err != nil {
		log.ErrorEvent("recordstore.update", err, "path", p)
		return err
	}
	log.EventWithDuration("recordstore.update", time.Since(timeStart), "path", p)
	return nil
}

// AppendRecord appends row to the file, creating it with header if needed.
// The read, append and write happen under one lock so concurrent appends
// don't lose rows.
func (s *Store) AppendRecord(ctx context.Context, name string, header []string, row []string) error {
	if len(row) != len(header) {
		return fmt.Errorf("%w: %d fields, header has %d", ErrMalformed, len(row), len(header))
	}
	return s.Update(ctx, name, header, func(t *Table) error {
		return t.Append(row)
	})
}

// EnsureHeader creates the file with header if it doesn't exist
func (s *Store) EnsureHeader(ctx context.Context, name string, header []string) error {
	return s.Update(ctx, name, header, nil)
}

// Rows reads the file and returns its records. The first line is the header.
// Malformed rows are skipped with a warning.
func (s *Store) Rows(ctx context.Context, name string) ([]Record, error) {
	res := s.ReadFile(ctx, name)
	if res.Err != nil {
		return nil, res.Err
	}
	if res.IsEmpty() {
		return nil, nil
	}
	t := ParseTable(res.Data, nil, s.cfg.Delimiter)
	recs := t.Records()
	if t.Skipped > 0 {
		log.Logf("recordstore: skipped %d malformed rows in '%s'\n", t.Skipped, s.Path(name))
	}
	return recs, nil
}

// LockInfo returns the lease of the lock of the file, nil if not locked
func (s *Store) LockInfo(ctx context.Context, name string) (*filelock.Lease, error) {
	p := s.Path(name)
	var lease *filelock.Lease
	err := s.withConn(ctx, "lockinfo "+p, func(_ context.Context, c *pool.Conn) error {
		var err error
		lease, err = filelock.Inspect(c, p)
		return err
	})
	return lease, err
}

// ForceUnlock removes a lock left by a crashed process.
// Returns false if the file wasn't locked.
func (s *Store) ForceUnlock(ctx context.Context, name string) (bool, error) {
	p := s.Path(name)
	var removed bool
	err := s.withConn(ctx, "unlock "+p, func(_ context.Context, c *pool.Conn) error {
		var err error
		removed, err = filelock.ForceUnlock(c, p)
		return err
	})
	return removed, err
}

// Ping checks that a live conn to the remote host can be had
func (s *Store) Ping(ctx context.Context) error {
	return s.withConn(ctx, "ping", func(_ context.Context, c *pool.Conn) error {
		return nil
	})
}

// Stat returns info about the file, nil if it doesn't exist
func (s *Store) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	p := s.Path(name)
	var fi os.FileInfo
	err := s.withConn(ctx, "stat "+p, func(_ context.Context, c *pool.Conn) error {
		var err error
		fi, err = c.Stat(p)
		if remote.IsNotExist(err) {
			fi, err = nil, nil
		}
		return err
	})
	return fi, err
}
