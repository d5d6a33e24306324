package bttoken

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireReleaseBasic(t *testing.T) {
	p := New(2, 0)
	defer p.Close()

	tok, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !tok.Valid() {
		t.Fatal("expected freshly acquired token to be valid")
	}
	if p.LiveCount() != 1 {
		t.Fatalf("LiveCount() = %d, want 1", p.LiveCount())
	}
	tok.Release()
	if p.LiveCount() != 0 {
		t.Fatalf("LiveCount() after release = %d, want 0", p.LiveCount())
	}
	// Idempotent.
	tok.Release()
}

func TestBoundedConcurrency(t *testing.T) {
	const size = 3
	const workers = 20
	p := New(size, 0)
	defer p.Close()

	var concurrent int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			tok, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			defer tok.Release()

			n := atomic.AddInt32(&concurrent, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
		}()
	}
	wg.Wait()

	if maxSeen > size {
		t.Fatalf("observed %d concurrent live tokens, want <= %d", maxSeen, size)
	}
}

func TestForceReturnOnExpiry(t *testing.T) {
	p := &Pool{
		size:     1,
		lifetime: 10 * time.Millisecond,
		sem:      make(chan struct{}, 1),
		live:     make(map[*Token]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.reapLoop()
	defer p.Close()

	tok, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for tok.Valid() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tok.Valid() {
		t.Fatal("expected token to be invalidated after its lifetime elapsed")
	}

	// The permit must have returned to the pool, so a new acquire succeeds
	// promptly.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	tok2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("expected a fresh Acquire to succeed after force-return, got %v", err)
	}
	tok2.Release()
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := New(1, 0)
	defer p.Close()

	tok, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("expected second Acquire to block until the pool is exhausted and time out")
	}

	tok.Release()
	tok3, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	tok3.Release()
}

func TestCloseRejectsFurtherAcquire(t *testing.T) {
	p := New(2, 0)
	p.Close()
	if _, err := p.Acquire(context.Background()); err != ErrPoolClosed {
		t.Fatalf("Acquire after Close = %v, want ErrPoolClosed", err)
	}
}
