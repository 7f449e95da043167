package memlimit

import "testing"

func TestMemoryGrowingRespectsMax(t *testing.T) {
	l := New(100)
	if !l.MemoryGrowing(50) {
		t.Fatal("expected growth to 50 within cap of 100 to succeed")
	}
	if l.Current() != 50 {
		t.Fatalf("expected current=50, got %d", l.Current())
	}
	if l.MemoryGrowing(101) {
		t.Fatal("expected growth beyond cap to fail")
	}
	// A failed growth must not silently raise current past the cap.
	if l.Current() != 50 {
		t.Fatalf("expected current unchanged after denied growth, got %d", l.Current())
	}
}

func TestMemoryGrewReconciles(t *testing.T) {
	l := New(1000)
	l.MemoryGrowing(100)
	l.MemoryGrew(96) // page-aligned actual size smaller than requested
	if l.Current() != 96 {
		t.Fatalf("expected current=96 after MemoryGrew, got %d", l.Current())
	}
}

func TestAllocateReallocateRespectsLimiterCap(t *testing.T) {
	l := New(128)
	mem := l.Allocate(0, 4096)

	buf := mem.Reallocate(64)
	if buf == nil || len(buf) != 64 {
		t.Fatalf("expected a 64-byte buffer within cap, got %v", buf)
	}
	if l.Current() != 64 {
		t.Fatalf("expected limiter current=64 after Reallocate, got %d", l.Current())
	}

	if buf := mem.Reallocate(256); buf != nil {
		t.Fatalf("expected Reallocate beyond the limiter's cap to fail, got %v", buf)
	}
	if l.Current() != 64 {
		t.Fatalf("expected current unchanged after a denied Reallocate, got %d", l.Current())
	}
}

func TestAllocateIgnoresWasmDeclaredMaxInFavorOfLimiterMax(t *testing.T) {
	l := New(100)
	mem := l.Allocate(0, 1<<30) // wasm module declares a much larger max

	if buf := mem.Reallocate(200); buf != nil {
		t.Fatalf("expected Reallocate above the limiter's own cap to fail regardless of wasm max, got %v", buf)
	}
}

func TestNeverExceedsMax(t *testing.T) {
	l := New(256)
	for _, desired := range []int64{64, 128, 300, 200} {
		ok := l.MemoryGrowing(desired)
		if desired > 256 && ok {
			t.Fatalf("growth to %d should have been denied", desired)
		}
		if l.Current() > l.Max() {
			t.Fatalf("current %d exceeded max %d", l.Current(), l.Max())
		}
	}
}
