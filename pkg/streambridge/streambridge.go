// Package streambridge implements the cooperative-suspension primitives
// guest code uses to exchange streaming values and HTTP/WebSocket frames
// with the host without blocking a host OS thread: argument streams
// (host→guest), and the RequestStream/ResponseStream pair used by
// WebSocket and chunked-HTTP bridging.
package streambridge

import (
	"sync"

	"github.com/sandboxrt/sandboxrt/pkg/sberr"
	"github.com/sandboxrt/sandboxrt/pkg/value"
)

// DefaultArgCapacity is the default bounded capacity of an argument stream
// channel.
const DefaultArgCapacity = 64

// ArgStream is a host→guest finite stream of Values, exposed to the guest
// as an iterator resource with a non-blocking Read and a Subscribe that
// becomes ready when the next item or close is available. Closing the
// sender surfaces end-of-stream on the next Read.
type ArgStream struct {
	ch        chan value.Value
	closeOnce sync.Once
	readyCh   chan struct{}
	mu        sync.Mutex
	peeked    *value.Value
	closed    bool
}

// NewArgStream creates an ArgStream with the given bounded capacity. A
// capacity <= 0 uses DefaultArgCapacity.
func NewArgStream(capacity int) *ArgStream {
	if capacity <= 0 {
		capacity = DefaultArgCapacity
	}
	return &ArgStream{
		ch:      make(chan value.Value, capacity),
		readyCh: make(chan struct{}, 1),
	}
}

// Send pushes an item into the stream. It blocks if the bounded channel is
// full, applying backpressure to the producer. Send must not be called
// after Close.
func (a *ArgStream) Send(v value.Value) {
	a.ch <- v
	a.nudge()
}

// Close signals end-of-stream. Safe to call multiple times.
func (a *ArgStream) Close() {
	a.closeOnce.Do(func() {
		close(a.ch)
		a.nudge()
	})
}

func (a *ArgStream) nudge() {
	select {
	case a.readyCh <- struct{}{}:
	default:
	}
}

// ReadResult is the outcome of a non-blocking Read.
type ReadResult struct {
	// Pending is true when no item is available yet and the caller should
	// await Subscribe before retrying.
	Pending bool
	// Value is populated when Pending is false and Ended is false.
	Value value.Value
	// Ended is true when the stream is exhausted: no item and the sender
	// has closed.
	Ended bool
}

// Read attempts a non-blocking read of the next item.
func (a *ArgStream) Read() ReadResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peeked != nil {
		v := *a.peeked
		a.peeked = nil
		return ReadResult{Value: v}
	}
	select {
	case v, ok := <-a.ch:
		if !ok {
			return ReadResult{Ended: true}
		}
		return ReadResult{Value: v}
	default:
		return ReadResult{Pending: true}
	}
}

// Subscribe returns a channel that becomes readable when the next item is
// available or the stream closes. The component-model pollable the guest
// awaits on is modeled by this channel directly.
func (a *ArgStream) Subscribe() <-chan struct{} {
	return a.readyCh
}

// --- RequestStream / ResponseStream (WebSocket / chunked HTTP) ---

// writeState is the RequestStream's internal state machine:
// Owned -> Permit -> Owned (per message), or -> Closed on peer drop.
type writeState int

const (
	stateOwned writeState = iota
	statePermit
	stateClosed
)

// RequestStream models the outgoing half of a WebSocket/chunked-HTTP
// connection. check_write reserves a slot without blocking; write consumes
// the reservation or fails with Closed; this yields at-most-one-outstanding
// write per stream.
type RequestStream struct {
	mu    sync.Mutex
	state writeState
	send  func([]byte) error
}

// NewRequestStream wraps send, the function that actually performs a
// blocking write to the underlying transport (invoked off the hot path by
// the HostBridge).
func NewRequestStream(send func([]byte) error) *RequestStream {
	return &RequestStream{send: send}
}

// CheckWrite attempts to acquire a write reservation without blocking. It
// returns false if a reservation is already outstanding or the stream is
// closed.
func (r *RequestStream) CheckWrite() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateOwned {
		return false
	}
	r.state = statePermit
	return true
}

// Write consumes the outstanding reservation and performs the write. It
// fails with sberr.CodeHost wrapping "Closed" if no reservation is held or
// the stream has been closed (peer dropped).
func (r *RequestStream) Write(data []byte) error {
	r.mu.Lock()
	if r.state != statePermit {
		r.mu.Unlock()
		return sberr.New(sberr.CodeHost, "Closed")
	}
	r.state = stateOwned
	r.mu.Unlock()

	if err := r.send(data); err != nil {
		r.mu.Lock()
		r.state = stateClosed
		r.mu.Unlock()
		return sberr.Wrap(sberr.CodeHost, "Closed", err)
	}
	return nil
}

// Close marks the stream closed; subsequent CheckWrite/Write calls fail.
func (r *RequestStream) Close() {
	r.mu.Lock()
	r.state = stateClosed
	r.mu.Unlock()
}

// ResponseStream holds the receive side of a streaming connection plus an
// optional peeked item, because subscribe must separate "readiness" from
// "read": Ready performs the blocking receive that populates peeked, and
// Read only ever inspects already-buffered state.
type ResponseStream struct {
	mu      sync.Mutex
	recv    func() ([]byte, error)
	peeked  *[]byte
	peekErr error
	closed  bool
}

// NewResponseStream wraps recv, a blocking receive from the underlying
// transport.
func NewResponseStream(recv func() ([]byte, error)) *ResponseStream {
	return &ResponseStream{recv: recv}
}

// Ready performs (if necessary) the blocking receive that populates the
// peeked slot. The receive runs in the calling goroutine; Read never
// receives and only inspects what Ready buffered.
func (r *ResponseStream) Ready() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peeked != nil || r.closed {
		return
	}
	data, err := r.recv()
	if err != nil {
		r.closed = true
		r.peekErr = err
		return
	}
	r.peeked = &data
}

// Read returns the peeked value captured by the most recent Ready call, or
// reports Closed if the stream has ended.
func (r *ResponseStream) Read() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peeked != nil {
		data := *r.peeked
		r.peeked = nil
		return data, nil
	}
	if r.closed {
		if r.peekErr != nil {
			return nil, sberr.Wrap(sberr.CodeHost, "Closed", r.peekErr)
		}
		return nil, sberr.New(sberr.CodeHost, "Closed")
	}
	return nil, nil
}
