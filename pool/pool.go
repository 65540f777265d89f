// Package pool keeps a bounded set of live remote sessions for re-use.
//
// The mutex only guards bookkeeping. Probes and dials run without it:
// a conn being probed stays in the in-use set and a dial in progress
// reserves a slot, so capacity is never exceeded and no conn is ever
// both available and in use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/remote"
	"github.com/aulaforms/aulaforms/retry"
	"github.com/aulaforms/aulaforms/u"
)

var (
	// ErrExhausted is returned by Acquire when all conns are in use
	ErrExhausted = errors.New("pool: all connections in use")
	// ErrUnavailable is returned by Acquire when a new conn couldn't be established
	ErrUnavailable = errors.New("pool: no connection available")
	// ErrClosed is returned by Acquire after Shutdown
	ErrClosed = errors.New("pool: shut down")
)

type Config struct {
	// Capacity is the max number of open conns, default 10
	Capacity int
	// IdleTTL is how long an unused conn is kept, default 5 min
	IdleTTL time.Duration
	// Dial is retry policy for establishing a conn, default 2 attempts 1s apart
	Dial retry.Policy
	// ProbeTimeout bounds a liveness probe, default 5s
	ProbeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 300 * time.Second
	}
	if c.Dial.MaxAttempts <= 0 {
		c.Dial.MaxAttempts = 2
		if c.Dial.Delay <= 0 {
			c.Dial.Delay = time.Second
		}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Conn is a pooled session. Return it with Pool.Release or Pool.Discard.
type Conn struct {
	remote.Session
	id       int
	lastUsed time.Time
}

func (c *Conn) ID() int {
	return c.id
}

// Stats is a snapshot of the pool
type Stats struct {
	Capacity  int
	Available int
	InUse     int
	Dialing   int
	// totals since creation
	Dialed    int
	Evicted   int
	Discarded int
}

type Pool struct {
	cfg  Config
	dial remote.Dialer
	now  func() time.Time

	mu        sync.Mutex
	available []*Conn
	inUse     map[*Conn]struct{}
	dialing   int
	closed    bool
	nextID    int
	stats     Stats
}

// New creates a pool. No conns are opened until Acquire.
func New(cfg Config, dial remote.Dialer) *Pool {
	u.PanicIf(dial == nil, "pool: dial is nil")
	cfg.setDefaults()
	return &Pool{
		cfg:   cfg,
		dial:  dial,
		now:   time.Now,
		inUse: map[*Conn]struct{}{},
	}
}

func closeConns(conns []*Conn) {
	for _, c := range conns {
		_ = c.Close()
	}
}

func (p *Pool) probe(ctx context.Context, c *Conn) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return c.Probe(ctx)
}

// takeAvailable evicts expired conns and moves the most recently used
// available conn to in-use. Must be called with p.mu held.
func (p *Pool) takeAvailable() (c *Conn, expired []*Conn) {
	now := p.now()
	kept := p.available[:0]
	for _, c := range p.available {
		if now.Sub(c.lastUsed) > p.cfg.IdleTTL {
			expired = append(expired, c)
			continue
		}
		kept = append(kept, c)
	}
	clear(p.available[len(kept):])
	p.available = kept
	p.stats.Evicted += len(expired)
	if n := len(p.available); n > 0 {
		c = p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		p.inUse[c] = struct{}{}
	}
	return c, expired
}

// Acquire returns a live conn: a re-used one that passes a probe or
// a newly dialed one. It never waits for a conn to be released: when
// all are in use it returns ErrExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		c, expired := p.takeAvailable()
		if c == nil && len(expired) == 0 {
			break // with p.mu held
		}
		p.mu.Unlock()

		if len(expired) > 0 {
			log.Verbosef("pool: evicted %d idle connections\n", len(expired))
			closeConns(expired)
		}
		if c == nil {
			continue
		}
		err := p.probe(ctx, c)
		if err == nil {
			p.mu.Lock()
			_, stillOurs := p.inUse[c]
			p.mu.Unlock()
			if !stillOurs {
				// Shutdown() happened while probing
				return nil, ErrClosed
			}
			c.lastUsed = p.now()
			return c, nil
		}
		log.Logf("pool: conn %d failed probe: %s\n", c.id, err)
		p.Discard(c)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}

	if len(p.inUse)+p.dialing >= p.cfg.Capacity {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	p.dialing++
	p.mu.Unlock()

	var s remote.Session
	err := retry.Do(ctx, p.cfg.Dial, func(ctx context.Context, attempt int) error {
		var err error
		s, err = p.dial(ctx)
		if err != nil {
			log.Logf("pool: dial attempt %d failed: %s\n", attempt, err)
		}
		return err
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if p.closed {
		_ = s.Close()
		return nil, ErrClosed
	}
	p.nextID++
	p.stats.Dialed++
	c := &Conn{Session: s, id: p.nextID, lastUsed: p.now()}
	p.inUse[c] = struct{}{}
	return c, nil
}

// Release returns c to the pool if it still passes a probe,
// otherwise closes it. Releasing a conn that is not in use is a no-op.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	_, ok := p.inUse[c]
	p.mu.Unlock()
	if !ok {
		return
	}

	// c stays in use while probing so that the slot is still reserved
	err := p.probe(context.Background(), c)

	p.mu.Lock()
	delete(p.inUse, c)
	keep := err == nil && !p.closed
	if keep {
		c.lastUsed = p.now()
		p.available = append(p.available, c)
	} else {
		p.stats.Discarded++
	}
	p.mu.Unlock()

	if !keep {
		if err != nil {
			log.Logf("pool: conn %d failed probe on release: %s\n", c.id, err)
		}
		_ = c.Close()
	}
}

// Discard removes c from the pool and closes it without probing.
// Used when an operation on c failed and it can't be trusted.
func (p *Pool) Discard(c *Conn) {
	p.mu.Lock()
	_, ok := p.inUse[c]
	delete(p.inUse, c)
	if ok {
		p.stats.Discarded++
	}
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Shutdown closes all conns. Conns in use are closed too and releasing
// them later is a no-op. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := p.available
	for c := range p.inUse {
		all = append(all, c)
	}
	p.available = nil
	p.inUse = map[*Conn]struct{}{}
	p.mu.Unlock()

	closeConns(all)
	log.Verbosef("pool: shut down, closed %d connections\n", len(all))
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Capacity = p.cfg.Capacity
	s.Available = len(p.available)
	s.InUse = len(p.inUse)
	s.Dialing = p.dialing
	return s
}
