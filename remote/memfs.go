package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
	"time"
)

type memFile struct {
	d       []byte
	modTime time.Time
}

type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *fileInfo) Sys() any           { return nil }

// MemFS is an in-memory remote host. Sessions returned by Dial share
// its files. Failures can be injected per operation with FailNext.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool
	fail  map[string][]error
	calls map[string]int

	// Latency is added to every file operation, outside of the mutex,
	// so that concurrent callers interleave like they would over ssh
	Latency time.Duration
	// NoRename makes Rename fail, like some servers do across devices
	NoRename bool
	// Now is used for file modification times
	Now func() time.Time

	nextID   int
	sessions map[int]*MemSession
}

// Operation names for FailNext and Calls
const (
	OpDial   = "dial"
	OpProbe  = "probe"
	OpStat   = "stat"
	OpRead   = "read"
	OpWrite  = "write"
	OpCreate = "create"
	OpRename = "rename"
	OpRemove = "remove"
	OpMkdir  = "mkdir"
)

func NewMemFS() *MemFS {
	return &MemFS{
		files:    map[string]*memFile{},
		dirs:     map[string]bool{"/": true, ".": true},
		fail:     map[string][]error{},
		calls:    map[string]int{},
		sessions: map[int]*MemSession{},
		Now:      time.Now,
	}
}

func cleanPath(p string) string {
	return path.Clean(p)
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (m *MemFS) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = append(m.fail[op], err)
}

// Calls returns how many times op was called
func (m *MemFS) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter records a call to op and returns injected failure, if any.
// Must be called with m.mu held.
func (m *MemFS) enter(op string) error {
	m.calls[op]++
	if errs := m.fail[op]; len(errs) > 0 {
		m.fail[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *MemFS) delay() {
	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}
}

// Put creates a file and its parent directories
func (m *MemFS) Put(p string, d []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = cleanPath(p)
	m.mkdirAll(path.Dir(p))
	m.files[p] = &memFile{d: append([]byte(nil), d...), modTime: m.Now()}
}

// SetModTime changes modification time of an existing file
func (m *MemFS) SetModTime(p string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[cleanPath(p)]; ok {
		f.modTime = t
	}
}

// Get returns content of a file
func (m *MemFS) Get(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[cleanPath(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.d...), true
}

// Files returns sorted paths of all files
func (m *MemFS) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []string
	for p := range m.files {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

func (m *MemFS) mkdirAll(dir string) {
	for dir != "/" && dir != "." && !m.dirs[dir] {
		m.dirs[dir] = true
		dir = path.Dir(dir)
	}
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

// Dial opens a new session. It has the Dialer signature.
func (m *MemFS) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpDial); err != nil {
		return nil, err
	}
	m.nextID++
	s := &MemSession{m: m, id: m.nextID}
	m.sessions[s.id] = s
	return s, nil
}

// Kill makes all currently open sessions fail their probes
func (m *MemFS) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.dead = true
	}
}

// OpenSessions returns number of sessions not yet closed
func (m *MemFS) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// MemSession is a Session of MemFS
type MemSession struct {
	m      *MemFS
	id     int
	dead   bool
	closed bool
}

func (s *MemSession) String() string {
	return fmt.Sprintf("mem#%d", s.id)
}

var errSessionClosed = errors.New("remote: session closed")

// begin sleeps for latency, then locks the host and checks for failures.
// On success the caller must unlock s.m.mu.
func (s *MemSession) begin(op string) error {
	s.m.delay()
	s.m.mu.Lock()
	if s.closed {
		s.m.mu.Unlock()
		return errSessionClosed
	}
	if err := s.m.enter(op); err != nil {
		s.m.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemSession) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.begin(OpProbe); err != nil {
		return err
	}
	defer s.m.mu.Unlock()
	if s.dead {
		return fmt.Errorf("remote: %s: connection lost", s)
	}
	return nil
}

func (s *MemSession) Stat(p string) (os.FileInfo, error) {
	if err := s.begin(OpStat); err != nil {
		return nil, err
	}
	defer s.m.mu.Unlock()
	p = cleanPath(p)
	if f, ok := s.m.files[p]; ok {
		return &fileInfo{name: path.Base(p), size: int64(len(f.d)), mode: 0644, modTime: f.modTime}, nil
	}
	if s.m.dirs[p] {
		return &fileInfo{name: path.Base(p), mode: os.ModeDir | 0755}, nil
	}
	return nil, notExist("stat", p)
}

func (s *MemSession) ReadFile(p string) ([]byte, error) {
	if err := s.begin(OpRead); err != nil {
		return nil, err
	}
	defer s.m.mu.Unlock()
	f, ok := s.m.files[cleanPath(p)]
	if !ok {
		return nil, notExist("open", p)
	}
	return append([]byte(nil), f.d...), nil
}

func (s *MemSession) checkParent(op, p string) error {
	if dir := path.Dir(p); !s.m.dirs[dir] {
		return notExist(op, dir)
	}
	if s.m.dirs[p] {
		return &fs.PathError{Op: op, Path: p, Err: errors.New("is a directory")}
	}
	return nil
}

func (s *MemSession) WriteFile(p string, d []byte) error {
	if err := s.begin(OpWrite); err != nil {
		return err
	}
	defer s.m.mu.Unlock()
	p = cleanPath(p)
	if err := s.checkParent("open", p); err != nil {
		return err
	}
	s.m.files[p] = &memFile{d: append([]byte(nil), d...), modTime: s.m.Now()}
	return nil
}

func (s *MemSession) CreateExclusive(p string, d []byte) error {
	if err := s.begin(OpCreate); err != nil {
		return err
	}
	defer s.m.mu.Unlock()
	p = cleanPath(p)
	if err := s.checkParent("open", p); err != nil {
		return err
	}
	if _, ok := s.m.files[p]; ok {
		return &fs.PathError{Op: "open", Path: p, Err: fs.ErrExist}
	}
	s.m.files[p] = &memFile{d: append([]byte(nil), d...), modTime: s.m.Now()}
	return nil
}

func (s *MemSession) Rename(oldPath, newPath string) error {
	if err := s.begin(OpRename); err != nil {
		return err
	}
	defer s.m.mu.Unlock()
	if s.m.NoRename {
		return fmt.Errorf("remote: rename '%s': operation not supported", oldPath)
	}
	oldPath, newPath = cleanPath(oldPath), cleanPath(newPath)
	f, ok := s.m.files[oldPath]
	if !ok {
		return notExist("rename", oldPath)
	}
	if err := s.checkParent("rename", newPath); err != nil {
		return err
	}
	delete(s.m.files, oldPath)
	s.m.files[newPath] = f
	return nil
}

func (s *MemSession) Remove(p string) error {
	if err := s.begin(OpRemove); err != nil {
		return err
	}
	defer s.m.mu.Unlock()
	p = cleanPath(p)
	if _, ok := s.m.files[p]; !ok {
		return notExist("remove", p)
	}
	delete(s.m.files, p)
	return nil
}

func (s *MemSession) MkdirAll(dir string) error {
	if err := s.begin(OpMkdir); err != nil {
		return err
	}
	defer s.m.mu.Unlock()
	dir = cleanPath(dir)
	if _, ok := s.m.files[dir]; ok {
		return &fs.PathError{Op: "mkdir", Path: dir, Err: errors.New("not a directory")}
	}
	s.m.mkdirAll(dir)
	return nil
}

func (s *MemSession) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	s.closed = true
	delete(s.m.sessions, s.id)
	return nil
}
