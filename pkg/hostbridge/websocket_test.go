package hostbridge

import (
	"context"
	"strings"
	"testing"

	"github.com/sandboxrt/sandboxrt/pkg/netpolicy"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
	"github.com/sandboxrt/sandboxrt/pkg/streambridge"
)

func TestDrainUpToReturnsNilForNilBody(t *testing.T) {
	data, err := drainUpTo(nil, 10)
	if err != nil || data != nil {
		t.Fatalf("expected (nil, nil) for a nil body, got (%v, %v)", data, err)
	}
}

func TestDrainUpToReturnsDataWithinCap(t *testing.T) {
	data, err := drainUpTo(strings.NewReader("hello"), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}
}

func TestDrainUpToRejectsOversizedBody(t *testing.T) {
	_, err := drainUpTo(strings.NewReader("this is too long"), 4)
	if err == nil {
		t.Fatal("expected an error for a body exceeding the cap")
	}
}

func TestWebSocketConnectRejectsPolicyDenial(t *testing.T) {
	p := netpolicy.New(netpolicy.DenyRule())
	p.DenyPrivateRanges = false
	b := NewWebSocketBridge(p)

	_, err := b.Connect(context.Background(), "ws://example.com/socket")
	if sberr.CodeOf(err) != sberr.CodePolicyDenied {
		t.Fatalf("expected CodePolicyDenied, got %v", err)
	}
}

func TestWebSocketConnectRejectsNonWebSocketScheme(t *testing.T) {
	b := NewWebSocketBridge(openPolicy())

	_, err := b.Connect(context.Background(), "http://example.com/socket")
	if sberr.CodeOf(err) != sberr.CodeInvalidArgument {
		t.Fatalf("expected CodeInvalidArgument for a non-ws(s) scheme, got %v", err)
	}
}

func TestWebSocketLookupAfterRegister(t *testing.T) {
	b := NewWebSocketBridge(nil)
	wc := &wsConn{
		Request:  streambridge.NewRequestStream(func([]byte) error { return nil }),
		Response: streambridge.NewResponseStream(func() ([]byte, error) { return nil, nil }),
	}
	id := b.register(wc)

	req, resp, ok := b.Lookup(id)
	if !ok {
		t.Fatal("expected a registered connection to be found")
	}
	if req != wc.Request || resp != wc.Response {
		t.Fatal("expected Lookup to return the exact registered streams")
	}
}

func TestWebSocketLookupUnknownIDNotFound(t *testing.T) {
	b := NewWebSocketBridge(nil)
	if _, _, ok := b.Lookup(12345); ok {
		t.Fatal("expected lookup of an unregistered id to fail")
	}
}

func TestWebSocketCloseUnknownIDIsNoop(t *testing.T) {
	b := NewWebSocketBridge(nil)
	if err := b.Close(12345); err != nil {
		t.Fatalf("expected no error closing an unregistered id, got %v", err)
	}
}

func TestWebSocketRegisterAssignsDistinctIDs(t *testing.T) {
	b := NewWebSocketBridge(nil)
	wc := func() *wsConn {
		return &wsConn{
			Request:  streambridge.NewRequestStream(func([]byte) error { return nil }),
			Response: streambridge.NewResponseStream(func() ([]byte, error) { return nil, nil }),
		}
	}
	id1 := b.register(wc())
	id2 := b.register(wc())
	if id1 == id2 {
		t.Fatalf("expected distinct connection ids, got %d twice", id1)
	}
}
