// Package outbuf implements the bounded byte assembler that splices
// guest-emitted continuation chunks into single emitted Values.
package outbuf

import (
	"sync"

	"github.com/sandboxrt/sandboxrt/pkg/sberr"
)

// DefaultCap is the hard cap on buffered bytes before Append fails with
// BufferOverflow, matching the HTTP body default cap used elsewhere in the
// engine.
const DefaultCap = 16 << 20

// Buffer is a bounded byte buffer used to reassemble a guest's
// Continuation/PartialResult/End chunk stream into single values. It is
// owned by exactly one InstanceState and accessed only by that sandbox's
// task, but the mutex keeps it safe if an embedder inspects it concurrently
// for diagnostics.
type Buffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

// New creates a Buffer with the given hard cap in bytes. A cap of 0 uses
// DefaultCap.
func New(cap int) *Buffer {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Buffer{cap: cap}
}

// Append adds chunk to the buffer. If the result would exceed the
// configured cap, the buffer is reset to zero bytes (to avoid retaining
// attacker-controlled memory) and a BufferOverflow error is returned.
func (b *Buffer) Append(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf)+len(chunk) > b.cap {
		b.buf = nil
		return sberr.New(sberr.CodeBodyCap, "BufferOverflow")
	}
	b.buf = append(b.buf, chunk...)
	return nil
}

// Take returns the accumulated bytes and clears the buffer.
func (b *Buffer) Take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	b.buf = nil
	return out
}

// Reset clears the buffer without returning its contents. Called when a
// call is starting, to prevent cross-call leakage of a previous call's
// unflushed bytes.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = nil
}

// Len reports the number of bytes currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
