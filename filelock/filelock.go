// Package filelock is an advisory lock over a file on the remote host.
//
// The lock is a marker file <path>.lock created with O_EXCL so only one
// caller can create it. The marker holds a lease: who holds the lock and
// until when. A marker whose lease expired was left by a crashed holder
// and is removed by the next caller that wants the lock.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/remote"
	"github.com/aulaforms/aulaforms/siser"
	"github.com/google/uuid"
)

// Suffix is appended to a file path to get the path of its lock marker
const Suffix = ".lock"

// ErrLockTimeout is returned when the lock is still held by someone
// else after all attempts
var ErrLockTimeout = errors.New("filelock: timed out waiting for lock")

type Config struct {
	// Attempts to create the marker, default 10
	Attempts int
	// Interval between attempts, default 500ms
	Interval time.Duration
	// Lease is how long a marker is valid, default 60s.
	// Negative means markers never expire.
	Lease time.Duration
	// Holder identifies this process in the marker, default hostname
	Holder string
}

// Lease is the content of a lock marker
type Lease struct {
	Holder   string
	Acquired time.Time
	Expires  time.Time
}

func (l *Lease) marshal() []byte {
	var r siser.Record
	_ = r.Write("holder", l.Holder, "acquired", l.Acquired.UTC().Format(time.RFC3339Nano))
	if !l.Expires.IsZero() {
		_ = r.Write("expires", l.Expires.UTC().Format(time.RFC3339Nano))
	}
	return append([]byte(nil), r.Marshal()...)
}

func parseLease(d []byte) (*Lease, error) {
	var r siser.Record
	if err := r.Unmarshal(d); err != nil {
		return nil, err
	}
	holder, ok := r.Get("holder")
	if !ok {
		return nil, fmt.Errorf("filelock: no holder in lease")
	}
	l := &Lease{Holder: holder}
	var err error
	if s, ok := r.Get("acquired"); ok {
		if l.Acquired, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return nil, err
		}
	}
	if s, ok := r.Get("expires"); ok {
		if l.Expires, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Locker acquires locks
type Locker struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Locker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Lease == 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.Holder == "" {
		cfg.Holder, _ = os.Hostname()
	}
	return &Locker{cfg: cfg, now: time.Now}
}

// Lock is a held lock
type Lock struct {
	fs    remote.FS
	path  string
	lease Lease
}

// Path returns path of the marker file
func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) Lease() Lease {
	return l.lease
}

// Acquire takes the lock for path, waiting up to Attempts * Interval.
// Errors other than "marker exists" are returned right away.
func (lk *Locker) Acquire(ctx context.Context, fsys remote.FS, path string) (*Lock, error) {
	marker := path + Suffix
	reclaimed := false
	for attempt := 1; ; attempt++ {
		now := lk.now()
		lease := Lease{
			Holder:   lk.cfg.Holder + "/" + uuid.New().String(),
			Acquired: now,
		}
		if lk.cfg.Lease > 0 {
			lease.Expires = now.Add(lk.cfg.Lease)
		}
		err := fsys.CreateExclusive(marker, lease.marshal())
		if err == nil {
			return &Lock{fs: fsys, path: marker, lease: lease}, nil
		}
		if !remote.IsExist(err) {
			return nil, fmt.Errorf("filelock: creating '%s': %w", marker, err)
		}
		// a stale marker gets removed and we try again right away, once
		if !reclaimed && lk.reclaimStale(fsys, marker) {
			reclaimed = true
			attempt--
			continue
		}
		if attempt >= lk.cfg.Attempts {
			return nil, fmt.Errorf("%w: '%s' after %d attempts", ErrLockTimeout, marker, attempt)
		}
		t := time.NewTimer(lk.cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("filelock: waiting for '%s': %w", marker, ctx.Err())
		case <-t.C:
		}
	}
}

// expiry returns when the lock in marker expires. Markers that can't be
// parsed (e.g. a bare timestamp) expire Lease after they were written.
func (lk *Locker) expiry(fsys remote.FS, marker string, d []byte) (time.Time, error) {
	if lease, err := parseLease(d); err == nil {
		if !lease.Expires.IsZero() {
			return lease.Expires, nil
		}
		if !lease.Acquired.IsZero() {
			return lease.Acquired.Add(lk.cfg.Lease), nil
		}
	}
	fi, err := fsys.Stat(marker)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime().Add(lk.cfg.Lease), nil
}

// reclaimStale removes marker if its lease expired. Returns true if
// the marker is gone.
func (lk *Locker) reclaimStale(fsys remote.FS, marker string) bool {
	if lk.cfg.Lease < 0 {
		return false
	}
	d, err := fsys.ReadFile(marker)
	if remote.IsNotExist(err) {
		return true
	}
	if err != nil {
		return false
	}
	expires, err := lk.expiry(fsys, marker, d)
	if err != nil {
		return remote.IsNotExist(err)
	}
	if lk.now().Before(expires) {
		return false
	}
	// don't remove a marker that someone else just re-created
	d2, err := fsys.ReadFile(marker)
	if err != nil {
		return remote.IsNotExist(err)
	}
	if string(d2) != string(d) {
		return false
	}
	if err = fsys.Remove(marker); err != nil && !remote.IsNotExist(err) {
		log.Logf("filelock: failed to remove stale '%s': %s\n", marker, err)
		return false
	}
	log.Logf("filelock: removed stale '%s' which expired at %s\n", marker, expires.Format(time.RFC3339))
	log.Event("lock.reclaim", "path", marker, "expired", expires.Format(time.RFC3339))
	return true
}

// Release removes the marker if we still hold it. A marker that is gone
// or no longer ours is not an error. An error means the marker could not
// be checked or removed and may still be there: retry with ReleaseOn.
func (l *Lock) Release() error {
	if l == nil || l.fs == nil {
		return nil
	}
	if err := l.release(l.fs); err != nil {
		log.Logf("filelock: Release: %s\n", err)
		return err
	}
	l.fs = nil
	return nil
}

// ReleaseOn is Release over a different connection, used when the one
// the lock was taken on failed
func (l *Lock) ReleaseOn(fsys remote.FS) error {
	if l == nil {
		return nil
	}
	l.fs = fsys
	return l.Release()
}

func (l *Lock) release(fsys remote.FS) error {
	d, err := fsys.ReadFile(l.path)
	if remote.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading '%s': %w", l.path, err)
	}
	lease, err := parseLease(d)
	if err != nil || lease.Holder != l.lease.Holder {
		log.Logf("filelock: Release: '%s' is no longer ours, leaving it\n", l.path)
		return nil
	}
	if err = fsys.Remove(l.path); err != nil && !remote.IsNotExist(err) {
		return fmt.Errorf("removing '%s': %w", l.path, err)
	}
	return nil
}

// Inspect returns the lease of the lock for path or nil if not locked
func Inspect(fsys remote.FS, path string) (*Lease, error) {
	d, err := fsys.ReadFile(path + Suffix)
	if remote.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lease, err := parseLease(d)
	if err != nil {
		// written by something else, report what we can
		return &Lease{Holder: string(d)}, nil
	}
	return lease, nil
}

// ForceUnlock removes the lock marker for path regardless of who holds it.
// Returns false if there was no marker.
func ForceUnlock(fsys remote.FS, path string) (bool, error) {
	err := fsys.Remove(path + Suffix)
	if remote.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Event("lock.force_unlock", "path", path+Suffix)
	return true, nil
}
