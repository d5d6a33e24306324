// Package bttoken bounds the number of simultaneous BLE sessions the
// gateway maintains, protecting the platform Bluetooth stack (which tends
// to fall over under too much concurrent GATT traffic) behind a small
// semaphore-backed pool with a hard per-token lifetime.
package bttoken

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLifetime is the hard per-token lifetime after which a held token
// is force-returned to the pool.
const DefaultLifetime = 120 * time.Second

// reapInterval is the longest pause between the background loop's scans
// for expired tokens; a pool whose lifetime is shorter than twice this
// scans every half lifetime instead.
const reapInterval = 5 * time.Second

// ErrPoolClosed is returned by Acquire once the pool has been closed.
var ErrPoolClosed = errors.New("bttoken: pool closed")

// ErrTokenExpired is returned when code attempts to use a Token past its
// forced return; this is fatal for the holding session.
var ErrTokenExpired = errors.New("bttoken: token expired")

// Token is a held permit from the Pool. The zero value is not usable;
// Tokens are only produced by Pool.Acquire.
type Token struct {
	id         string
	pool       *Pool
	acquiredAt time.Time

	mu      sync.Mutex
	valid   bool
	release sync.Once
}

// ID returns the token's unique identifier, useful for logging.
func (t *Token) ID() string { return t.id }

// Valid reports whether the token has not been force-returned by the
// reaper. Sessions must check this before issuing further adapter
// operations and treat false as ErrTokenExpired.
func (t *Token) Valid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid
}

// Release returns the permit to the pool. It is idempotent: releasing a
// token more than once, or one already force-returned, is a no-op.
func (t *Token) Release() {
	t.release.Do(func() {
		t.mu.Lock()
		t.valid = false
		t.mu.Unlock()
		t.pool.release(t)
	})
}

func (t *Token) invalidate() {
	t.mu.Lock()
	t.valid = false
	t.mu.Unlock()
}

// Pool bounds concurrent BLE sessions to at most size live tokens.
type Pool struct {
	size     int
	lifetime time.Duration
	sem      chan struct{}

	mu     sync.Mutex
	live   map[*Token]struct{}
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// New returns a Pool admitting at most size concurrent tokens and force-
// returning any token held longer than lifetime. A lifetime of zero uses
// DefaultLifetime.
func New(size int, lifetime time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	p := &Pool{
		size:     size,
		lifetime: lifetime,
		sem:      make(chan struct{}, size),
		live:     make(map[*Token]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Size returns the pool's configured capacity.
func (p *Pool) Size() int { return p.size }

// LiveCount returns the number of tokens currently held. Exposed for the
// active-tokens gauge.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Acquire blocks until a permit is available, ctx is cancelled, or the
// pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Token, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stop:
		return nil, ErrPoolClosed
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, ErrPoolClosed
	}
	tok := &Token{
		id:         uuid.NewString(),
		pool:       p,
		acquiredAt: time.Now(),
		valid:      true,
	}
	p.live[tok] = struct{}{}
	p.mu.Unlock()

	return tok, nil
}

func (p *Pool) release(t *Token) {
	p.mu.Lock()
	_, held := p.live[t]
	delete(p.live, t)
	p.mu.Unlock()

	if held {
		<-p.sem
	}
}

// Close stops the reaper and marks the pool closed; already-held tokens
// remain valid until individually released (with the reaper stopped, none
// is force-returned any more), and no further Acquire calls succeed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)
	<-p.done
}

func (p *Pool) reapLoop() {
	defer close(p.done)
	interval := reapInterval
	if half := p.lifetime / 2; half > 0 && half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapExpired()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) reapExpired() {
	now := time.Now()
	var expired []*Token

	p.mu.Lock()
	for tok := range p.live {
		if now.Sub(tok.acquiredAt) > p.lifetime {
			expired = append(expired, tok)
		}
	}
	for _, tok := range expired {
		delete(p.live, tok)
	}
	p.mu.Unlock()

	for _, tok := range expired {
		tok.invalidate()
		<-p.sem
	}
}
