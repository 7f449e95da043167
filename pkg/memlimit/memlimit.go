// Package memlimit implements the per-VM hard memory cap enforced at every
// linear-memory growth. Limiter implements experimental.MemoryAllocator, so
// a single Limiter can be installed directly on a wazero instantiation via
// experimental.WithMemoryAllocator and have memory_growing/memory_grew
// invoked on every guest memory.grow.
package memlimit

import (
	"sync"

	"github.com/tetratelabs/wazero/experimental"
)

// Limiter tracks current linear-memory usage against a fixed cap. A single
// Limiter belongs to exactly one InstanceState; it is not meant to be
// shared across sandboxes.
type Limiter struct {
	mu      sync.Mutex
	current int64
	max     int64
}

// New creates a Limiter with the given hard cap in bytes.
func New(max int64) *Limiter {
	return &Limiter{max: max}
}

// MemoryGrowing is called before a guest's linear memory grows to desired
// bytes. It returns true iff desired does not exceed the cap, and if so
// records desired as the tentative new current usage. Returning false
// causes the guest's allocation to fail with its interpreter's
// out-of-memory path.
func (l *Limiter) MemoryGrowing(desired int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if desired > l.max {
		return false
	}
	l.current = desired
	return true
}

// MemoryGrew records the actual new size after a successful growth. wazero
// (like wasmtime) may grow to a value different from what was requested
// (e.g. page-aligned); this reconciles the bookkeeping against reality.
func (l *Limiter) MemoryGrew(newSize int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = newSize
}

// Current returns the current tracked usage in bytes.
func (l *Limiter) Current() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Max returns the configured hard cap in bytes.
func (l *Limiter) Max() int64 {
	return l.max
}

// Allocate implements experimental.MemoryAllocator. It ignores the
// wasm-declared max in favor of l.max, since the whole point of a Limiter
// is to cap a guest below whatever its own module declares.
func (l *Limiter) Allocate(cap, max uint64) experimental.LinearMemory {
	ceiling := max
	if l.max > 0 && uint64(l.max) < ceiling {
		ceiling = uint64(l.max)
	}
	buf := make([]byte, cap, ceiling)
	return &limitedMemory{limiter: l, buf: buf}
}

// limitedMemory is the experimental.LinearMemory wazero grows/shrinks
// through on every guest memory.grow, with every grow gated by the owning
// Limiter's cap.
type limitedMemory struct {
	limiter *Limiter
	buf     []byte
}

// Reallocate resizes the backing slice to size bytes, failing the growth by
// returning nil if it would exceed the Limiter's cap.
func (m *limitedMemory) Reallocate(size uint64) []byte {
	if !m.limiter.MemoryGrowing(int64(size)) {
		return nil
	}
	if uint64(cap(m.buf)) < size {
		next := make([]byte, size)
		copy(next, m.buf)
		m.buf = next
	} else {
		m.buf = m.buf[:size]
	}
	m.limiter.MemoryGrew(int64(len(m.buf)))
	return m.buf
}

// Free releases the backing slice to the garbage collector.
func (m *limitedMemory) Free() {
	m.buf = nil
}
