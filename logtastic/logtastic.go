// Package logtastic ships log lines and events to a remote log collector
// over http. Sending happens on a background goroutine and never blocks
// the caller: when the queue is full or the collector recently failed,
// the message is dropped (it's still in local log files).
package logtastic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/carlmjohnson/requests"
)

const (
	mimeJSON      = "application/json"
	mimePlainText = "text/plain"

	// how long to wait before we resume sending logs to the server
	// after a failure
	defaultThrottle = time.Second * 15
	defaultQueue    = 1000
)

type Config struct {
	// Server is host:port of the collector, e.g. "logs.example.edu:9327"
	Server string
	APIKey string
	// Source identifies this process in the collector
	Source    string
	QueueSize int
	Throttle  time.Duration
	Timeout   time.Duration
}

type op struct {
	uri  string
	mime string
	d    []byte
}

// Shipper posts logs to the collector
type Shipper struct {
	cfg  Config
	ch   chan op
	done chan struct{}

	mu            sync.Mutex
	throttleUntil time.Time
	stopped       bool
	// Dropped counts messages not sent due to throttling or full queue
	dropped int
	sent    int
}

func New(cfg Config) (*Shipper, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("logtastic: Server is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueue
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = defaultThrottle
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Shipper{
		cfg:  cfg,
		ch:   make(chan op, cfg.QueueSize),
		done: make(chan struct{}),
	}
	go s.worker()
	return s, nil
}

func logf(s string, args ...interface{}) {
	// can't use our log package, it calls us
	fmt.Fprintf(os.Stderr, s, args...)
}

func (s *Shipper) worker() {
	defer close(s.done)
	for op := range s.ch {
		r := requests.
			URL(op.uri).
			BodyBytes(op.d).
			ContentType(op.mime)
		if s.cfg.APIKey != "" {
			r = r.Header("X-Api-Key", s.cfg.APIKey)
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		err := r.Fetch(ctx)
		cancel()
		s.mu.Lock()
		if err != nil {
			s.throttleUntil = time.Now().Add(s.cfg.Throttle)
			s.dropped++
		} else {
			s.sent++
		}
		s.mu.Unlock()
		if err != nil {
			logf("logtastic: POST %s failed: %v, will throttle for %s\n", op.uri, err, s.cfg.Throttle)
		}
	}
}

func (s *Shipper) post(uriPath string, d []byte, mime string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || time.Now().Before(s.throttleUntil) {
		s.dropped++
		return
	}
	o := op{
		uri:  "http://" + s.cfg.Server + uriPath,
		mime: mime,
		d:    d,
	}
	select {
	case s.ch <- o:
	default:
		s.dropped++
	}
}

// Log sends a plain text line. Usable as log.Config.OnLog
func (s *Shipper) Log(line string) {
	s.post("/api/v1/log", []byte(line), mimePlainText)
}

// Event sends a json-encoded map. "source" is added if configured.
func (s *Shipper) Event(m map[string]any) {
	if s.cfg.Source != "" {
		m["source"] = s.cfg.Source
	}
	d, err := json.Marshal(m)
	if err != nil {
		logf("logtastic: json.Marshal() failed with %v\n", err)
		return
	}
	s.post("/api/v1/event", d, mimeJSON)
}

func (s *Shipper) Error(msg string) {
	s.Event(map[string]any{"msg": msg, "level": "error"})
}

// Stats returns number of sent and dropped messages
func (s *Shipper) Stats() (sent int, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.dropped
}

// Stop sends what's queued and stops the worker. Safe to call twice.
func (s *Shipper) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}
