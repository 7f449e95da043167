package streambridge

import (
	"errors"
	"testing"

	"github.com/sandboxrt/sandboxrt/pkg/value"
)

func TestArgStreamReadPendingThenValue(t *testing.T) {
	a := NewArgStream(4)
	r := a.Read()
	if !r.Pending {
		t.Fatal("expected pending read on empty stream")
	}
	a.Send(value.Int(1))
	r = a.Read()
	if r.Pending || r.Ended {
		t.Fatalf("expected a value, got %+v", r)
	}
	if n, ok := r.Value.AsInt(); !ok || n != 1 {
		t.Fatalf("expected value 1, got %+v", r.Value)
	}
}

func TestArgStreamCloseBeforeFirstReadYieldsEndOfStream(t *testing.T) {
	a := NewArgStream(4)
	a.Close()
	r := a.Read()
	if !r.Ended {
		t.Fatalf("expected end-of-stream on first read after early close, got %+v", r)
	}
}

func TestRequestStreamCheckWriteThenWrite(t *testing.T) {
	var got []byte
	rs := NewRequestStream(func(b []byte) error {
		got = b
		return nil
	})
	if !rs.CheckWrite() {
		t.Fatal("expected first CheckWrite to succeed")
	}
	if rs.CheckWrite() {
		t.Fatal("expected second CheckWrite to fail while a reservation is outstanding")
	}
	if err := rs.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("expected send to receive the written bytes, got %q", got)
	}
	if !rs.CheckWrite() {
		t.Fatal("expected CheckWrite to succeed again after write completed")
	}
}

func TestRequestStreamWriteWithoutReservationFails(t *testing.T) {
	rs := NewRequestStream(func(b []byte) error { return nil })
	if err := rs.Write([]byte("x")); err == nil {
		t.Fatal("expected write without a reservation to fail")
	}
}

func TestResponseStreamReadySeparatesFromRead(t *testing.T) {
	calls := 0
	rs := NewResponseStream(func() ([]byte, error) {
		calls++
		return []byte("chunk"), nil
	})
	rs.Ready()
	if calls != 1 {
		t.Fatalf("expected Ready to perform exactly one receive, got %d", calls)
	}
	data, err := rs.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "chunk" {
		t.Fatalf("expected chunk, got %q", data)
	}
}

func TestResponseStreamClosedOnRecvError(t *testing.T) {
	rs := NewResponseStream(func() ([]byte, error) { return nil, errors.New("boom") })
	rs.Ready()
	if _, err := rs.Read(); err == nil {
		t.Fatal("expected Closed error after recv failure")
	}
}
