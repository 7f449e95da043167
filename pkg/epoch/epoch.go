// Package epoch implements the process-wide epoch ticker that every VM
// engine registers with so that tight guest loops cannot monopolize a
// worker: a single background goroutine advances a shared counter on a
// fixed tick regardless of whether the async executor is otherwise busy.
package epoch

import (
	"sync"
	"time"
)

// DefaultTick is the interval at which the ticker advances every
// registered engine's epoch.
const DefaultTick = 10 * time.Millisecond

// Engine is anything that exposes an epoch counter to advance. wazero's
// wazero.Runtime satisfies this via its own epoch-increment hook once
// configured with WithEpochInterruption, but the interface here is kept
// minimal and independent of wazero so the ticker itself is unit-testable
// without spinning up a real runtime.
type Engine interface {
	// IncrementEpoch advances the engine's epoch counter by one tick.
	IncrementEpoch()
}

// Handle is returned by Register. Closing it deregisters the engine; once
// the last handle for a given engine is closed, the engine is dropped from
// the ticker's set. Handle is reference-counted to support sharing a single
// SandboxTemplate's registration across many sandboxes built from it.
type Handle struct {
	t      *Ticker
	id     uint64
	closed sync.Once
}

// Close deregisters the underlying engine when the last outstanding Handle
// referencing it has been closed.
func (h *Handle) Close() {
	h.closed.Do(func() {
		h.t.release(h.id)
	})
}

type registration struct {
	engine   Engine
	refcount int
}

// Ticker is a single process-wide thread that periodically advances a
// shared logical clock in every registered engine. The control-goroutine
// and idempotent-shutdown shape mirrors a dispatch loop that fans work out
// on a fixed cadence instead of per unit of external work.
type Ticker struct {
	mu      sync.Mutex
	regs    map[uint64]*registration
	nextID  uint64
	tick    time.Duration
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a Ticker with the given tick interval and starts its
// background goroutine immediately. The ticker runs for the lifetime of the
// process unless Stop is called explicitly (tests call Stop; production
// embedders typically never do).
func New(tick time.Duration) *Ticker {
	if tick <= 0 {
		tick = DefaultTick
	}
	t := &Ticker{
		regs:   make(map[uint64]*registration),
		tick:   tick,
		stopCh: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Ticker) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.advanceAll()
		}
	}
}

func (t *Ticker) advanceAll() {
	t.mu.Lock()
	engines := make([]Engine, 0, len(t.regs))
	for _, r := range t.regs {
		engines = append(engines, r.engine)
	}
	t.mu.Unlock()
	for _, e := range engines {
		e.IncrementEpoch()
	}
}

// Register adds engine to the ticker's set and returns a drop-guarded
// handle. If the same engine value is registered again via a second call,
// it gets its own independent counting id; sharing refcounts across
// multiple sandboxes built from the same template is the caller's
// responsibility via Retain.
func (t *Ticker) Register(engine Engine) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.regs[id] = &registration{engine: engine, refcount: 1}
	return &Handle{t: t, id: id}
}

// Retain increments the refcount on an existing Handle's registration and
// returns a new Handle sharing it, so that multiple sandboxes created from
// one SandboxTemplate can each hold an independent drop-guarded reference
// to the template's single ticker registration.
func (t *Ticker) Retain(h *Handle) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.regs[h.id]; ok {
		r.refcount++
	}
	return &Handle{t: t, id: h.id}
}

func (t *Ticker) release(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.regs[id]
	if !ok {
		return
	}
	r.refcount--
	if r.refcount <= 0 {
		delete(t.regs, id)
	}
}

// Count returns the number of distinct registrations currently tracked.
// Intended for tests and the admin surface, not the hot path.
func (t *Ticker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.regs)
}

// Stop halts the background goroutine. Production embedders normally never
// call this; it exists for clean test teardown. Stop is idempotent.
func (t *Ticker) Stop() {
	t.stopped.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}
