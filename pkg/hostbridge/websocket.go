package hostbridge

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/sandboxrt/sandboxrt/pkg/netpolicy"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
	"github.com/sandboxrt/sandboxrt/pkg/streambridge"
)

// DefaultReadTimeout bounds a single WebSocket frame read when the host
// drives ResponseStream.Ready, so a silent peer cannot wedge a worker
// goroutine forever.
const DefaultReadTimeout = 60 * time.Second

// wsConn pairs a live connection with the RequestStream/ResponseStream pair
// the guest interacts with.
type wsConn struct {
	conn     *websocket.Conn
	Request  *streambridge.RequestStream
	Response *streambridge.ResponseStream
}

// WebSocketBridge implements the websocket_connect capability: it dials
// through NetworkPolicy, then exposes the connection as a cooperative
// RequestStream/ResponseStream pair instead of a blocking net.Conn, so a
// single host OS thread can service many concurrently-suspended guests.
type WebSocketBridge struct {
	Policy       *netpolicy.Policy
	ReadTimeout  time.Duration
	Origin       string

	mu      sync.Mutex
	conns   map[int64]*wsConn
	nextID  int64
}

// NewWebSocketBridge constructs a bridge enforcing policy on every connect.
func NewWebSocketBridge(policy *netpolicy.Policy) *WebSocketBridge {
	return &WebSocketBridge{
		Policy:      policy,
		ReadTimeout: DefaultReadTimeout,
		Origin:      "http://sandboxrt.local",
		conns:       make(map[int64]*wsConn),
	}
}

// Connect checks uri against policy, dials, and wraps the connection in a
// cooperative stream pair.
func (b *WebSocketBridge) Connect(ctx context.Context, uri string) (*wsConn, error) {
	if b.Policy != nil {
		if err := b.Policy.CheckWebSocket(ctx, uri); err != nil {
			return nil, sberr.Wrap(sberr.CodePolicyDenied, "WebSocketConnectDenied", err)
		}
	}

	cfg, err := websocket.NewConfig(uri, b.Origin)
	if err != nil {
		return nil, sberr.Wrap(sberr.CodeInvalidArgument, "invalid websocket URI", err)
	}
	if cfg.Location.Scheme != "ws" && cfg.Location.Scheme != "wss" {
		return nil, sberr.New(sberr.CodeInvalidArgument, "invalid websocket URI scheme")
	}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		return nil, sberr.Wrap(sberr.CodeHost, "websocket dial failed", err)
	}

	wc := &wsConn{conn: conn}
	wc.Request = streambridge.NewRequestStream(func(data []byte) error {
		return websocket.Message.Send(conn, data)
	})
	readTimeout := b.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	wc.Response = streambridge.NewResponseStream(func() ([]byte, error) {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("websocket: connection closed")
			}
			return nil, err
		}
		return data, nil
	})
	return wc, nil
}

func (b *WebSocketBridge) register(wc *wsConn) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := atomic.AddInt64(&b.nextID, 1)
	b.conns[id] = wc
	return id
}

// Lookup returns the registered connection's streams for a previously
// issued connection_id, for use by guest-facing write/read hostcalls.
func (b *WebSocketBridge) Lookup(id int64) (*streambridge.RequestStream, *streambridge.ResponseStream, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wc, ok := b.conns[id]
	if !ok {
		return nil, nil, false
	}
	return wc.Request, wc.Response, true
}

// Close closes and deregisters a connection.
func (b *WebSocketBridge) Close(id int64) error {
	b.mu.Lock()
	wc, ok := b.conns[id]
	delete(b.conns, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	wc.Request.Close()
	return wc.conn.Close()
}

// drainUpTo reads body fully, failing with a "response body exceeds cap"
// error once more than cap bytes have been read, mirroring the body-cap
// enforcement http.go applies to outgoing requests.
func drainUpTo(body io.Reader, cap int) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	limited := io.LimitReader(body, int64(cap)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > cap {
		return nil, fmt.Errorf("response body exceeds %d byte cap", cap)
	}
	return data, nil
}
