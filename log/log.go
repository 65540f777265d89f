// Package log is a small logging layer: plain text lines go to stdout
// and to daily files, errors carry a callstack, events are written as
// toon-encoded siser lines and http requests as json lines.
//
// It's usable without Init(), in which case only stdout is used.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/aulaforms/aulaforms/u"
	"github.com/pkg/errors"
)

// Config configures Init
type Config struct {
	// Dir is where log files are stored, each log type (log, errors,
	// events, http) in its own subdirectory. Empty means no files.
	Dir string
	// OnLog is called for every Logf() line, e.g. to ship it
	// to a remote log collector
	OnLog func(s string)
	// Verbose enables Verbosef()
	Verbose bool
	// Stdout defaults to os.Stdout
	Stdout io.Writer
}

var (
	mu        sync.Mutex
	cfg       = Config{Stdout: os.Stdout}
	log       *WriteDaily
	errorsLog *WriteDaily
	eventsLog *WriteDaily
	httpLog   *WriteDaily
)

// Init initializes the logging system. Can be called again to re-configure.
func Init(config *Config) {
	Close()
	mu.Lock()
	defer mu.Unlock()

	cfg = *config
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if dir := cfg.Dir; dir != "" {
		// files are only created on first write
		log = NewWriteDaily(filepath.Join(dir, "log"))
		errorsLog = NewWriteDaily(filepath.Join(dir, "errors"))
		eventsLog = NewWriteDaily(filepath.Join(dir, "events"))
		httpLog = NewWriteDaily(filepath.Join(dir, "http"))
	}
}

func closeWriteDaily(wd **WriteDaily) {
	if *wd == nil {
		return
	}
	_ = (*wd).Close()
	*wd = nil
}

// Close closes all log files
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeWriteDaily(&log)
	closeWriteDaily(&errorsLog)
	closeWriteDaily(&eventsLog)
	closeWriteDaily(&httpLog)
}

func current() (Config, *WriteDaily, *WriteDaily) {
	mu.Lock()
	defer mu.Unlock()
	return cfg, log, errorsLog
}

func Logf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	c, l, _ := current()
	fmt.Fprint(c.Stdout, s)
	_ = l.WriteString(s)
	if c.OnLog != nil {
		c.OnLog(s)
	}
}

func Verbosef(format string, args ...any) {
	c, _, _ := current()
	if !c.Verbose {
		return
	}
	Logf(format, args...)
}

func GetCallstackFrames(skip int) []string {
	var callers [32]uintptr
	n := runtime.Callers(skip+1, callers[:])
	frames := runtime.CallersFrames(callers[:n])
	var cs []string
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		cs = append(cs, frame.File+":"+strconv.Itoa(frame.Line))
	}
	return cs
}

func GetCallstack(skip int) string {
	return strings.Join(GetCallstackFrames(skip+1), "\n")
}

// Errorf logs an error message along with the callstack
func Errorf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	s = u.EnsureNewline(s) + GetCallstack(2) + "\n"
	_, _, el := current()
	_ = el.WriteString(s)
	Logf("%s", s)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// IfErrf logs err and returns true if err != nil
// IfErrf(err) => logs err.Error()
// IfErrf(err, "reading %s", path) => logs "reading <path>: <err>"
// Errors created by github.com/pkg/errors are logged with their stack.
func IfErrf(err error, a ...any) bool {
	if err == nil {
		return false
	}
	var s string
	if _, ok := err.(stackTracer); ok {
		s = fmt.Sprintf("%+v", err)
	} else {
		s = err.Error()
	}
	if len(a) > 0 {
		format, ok := a[0].(string)
		if !ok {
			format = fmt.Sprintf("%v", a[0])
		}
		s = fmt.Sprintf(format, a[1:]...) + ": " + s
	}
	Errorf("%s", s)
	return true
}
