package epoch

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingEngine struct{ n int64 }

func (c *countingEngine) IncrementEpoch() { atomic.AddInt64(&c.n, 1) }

func TestTickerAdvancesRegisteredEngines(t *testing.T) {
	ti := New(2 * time.Millisecond)
	defer ti.Stop()

	e := &countingEngine{}
	h := ti.Register(e)
	defer h.Close()

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt64(&e.n) == 0 {
		t.Fatal("expected epoch to have advanced at least once")
	}
}

func TestHandleCloseDeregisters(t *testing.T) {
	ti := New(2 * time.Millisecond)
	defer ti.Stop()

	e := &countingEngine{}
	h := ti.Register(e)
	if ti.Count() != 1 {
		t.Fatalf("expected 1 registration, got %d", ti.Count())
	}
	h.Close()
	if ti.Count() != 0 {
		t.Fatalf("expected 0 registrations after close, got %d", ti.Count())
	}

	before := atomic.LoadInt64(&e.n)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&e.n) != before {
		t.Fatal("deregistered engine should not keep ticking")
	}
}

func TestRetainKeepsEngineUntilLastHandleClosed(t *testing.T) {
	ti := New(2 * time.Millisecond)
	defer ti.Stop()

	e := &countingEngine{}
	h1 := ti.Register(e)
	h2 := ti.Retain(h1)

	h1.Close()
	if ti.Count() != 1 {
		t.Fatalf("expected registration to survive first close, got count %d", ti.Count())
	}
	h2.Close()
	if ti.Count() != 0 {
		t.Fatalf("expected registration removed after last close, got count %d", ti.Count())
	}
}
