// Package btbuffer implements a thread-safe, per-device accumulator for
// inbound BLE notification fragments, with pooled backing arrays so that
// bursty sensors don't churn the allocator.
package btbuffer

import "sync"

const (
	// notificationPoolThreshold is the snapshot size at or above which
	// SnapshotPooled serves the copy from the pool. Append never pools.
	notificationPoolThreshold = 100
	// aggregatePoolThreshold is the initial capacity of an array the pool
	// allocates.
	aggregatePoolThreshold = 512
)

// arrayPool hands out reusable byte slices for pooled snapshots. A pooled
// slice whose capacity is too small for a snapshot is replaced by a fresh
// allocation of the needed size, so a pooled slice is never smaller than
// requested.
var arrayPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, aggregatePoolThreshold)
		return &b
	},
}

// Buffer is a mutex-guarded, append-only byte accumulator. The zero value
// is ready to use.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// New returns an empty, ready-to-use Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append atomically appends bytes to the buffer. A single call never
// reorders relative to itself; concurrent callers are serialized by the
// buffer's exclusive-writer lock.
func (b *Buffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
}

// Snapshot returns a copy of the buffer's current contents.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Size returns the number of bytes currently buffered.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Clear empties the buffer without releasing its backing array.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}

// PooledSnapshot is a handle to a copy of the buffer's contents. For
// payloads at or above the pooling threshold, the backing array comes from
// a shared sync.Pool and must be returned via Release when the caller is
// done; below the threshold, Release is a no-op and the slice is an
// ordinary allocation.
type PooledSnapshot struct {
	Bytes  []byte
	pooled *[]byte
}

// Release returns the backing array to the pool. It is safe to call
// Release more than once or on the zero value; the pool never hands the
// same array to two concurrent holders because each PooledSnapshot takes
// sole ownership of the array it received until Release runs.
func (s *PooledSnapshot) Release() {
	if s == nil || s.pooled == nil {
		return
	}
	p := s.pooled
	s.pooled = nil
	*p = (*p)[:0]
	arrayPool.Put(p)
}

// SnapshotPooled copies the buffer's contents into a pool-backed slice
// when the payload is at least notificationPoolThreshold bytes, and into an
// ordinary allocation otherwise. The caller must call
// Release on the returned handle once finished with the bytes.
func (b *Buffer) SnapshotPooled() *PooledSnapshot {
	b.mu.Lock()
	n := len(b.data)
	if n == 0 {
		b.mu.Unlock()
		return &PooledSnapshot{Bytes: nil}
	}

	if n < notificationPoolThreshold {
		out := make([]byte, n)
		copy(out, b.data)
		b.mu.Unlock()
		return &PooledSnapshot{Bytes: out}
	}

	pooled := arrayPool.Get().(*[]byte)
	buf := (*pooled)[:0]
	if cap(buf) < n {
		buf = make([]byte, 0, n)
	}
	buf = buf[:n]
	copy(buf, b.data)
	*pooled = buf
	b.mu.Unlock()

	return &PooledSnapshot{Bytes: buf, pooled: pooled}
}
