package hostbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxrt/sandboxrt/pkg/instance"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
	"github.com/sandboxrt/sandboxrt/pkg/value"
)

// Hostcall kinds recognized by the generic dispatch entry point.
const (
	KindHTTPRequest      = "http_request"
	KindWebsocketConnect = "websocket_connect"
	KindLog              = "log"
)

// HostImpl is the concrete implementation of instance.Host: it dispatches
// every hostcall to the matching capability (http_request,
// websocket_connect, log) and encodes/decodes payloads with pkg/value.
type HostImpl struct {
	HTTP      *Bridge
	WebSocket *WebSocketBridge
	LogTarget *instance.State
}

// NewHostImpl wires a Bridge, WebSocketBridge, and the owning instance's
// state together behind the instance.Host interface.
func NewHostImpl(http *Bridge, ws *WebSocketBridge, state *instance.State) *HostImpl {
	return &HostImpl{HTTP: http, WebSocket: ws, LogTarget: state}
}

// Hostcall implements instance.Host. kind selects the capability; payload
// is decoded per-kind into the concrete request shape, and the result is
// re-encoded as a value.Value. Every invocation appends a (kind, duration,
// outcome) record to the call's log buffer, win or lose.
func (h *HostImpl) Hostcall(kind string, payload value.Value) (value.Value, error) {
	start := time.Now()
	result, err := h.dispatch(kind, payload)
	h.auditHostcall(kind, time.Since(start), err)
	return result, err
}

func (h *HostImpl) dispatch(kind string, payload value.Value) (value.Value, error) {
	switch kind {
	case KindHTTPRequest:
		return h.hostcallHTTP(payload)
	case KindWebsocketConnect:
		return h.hostcallWebsocket(payload)
	case KindLog:
		return h.hostcallLog(payload)
	default:
		return value.Null(), sberr.New(sberr.CodeInvalidArgument, fmt.Sprintf("unknown hostcall kind %q", kind))
	}
}

// auditHostcall records one hostcall's outcome via the instance's own log
// channel, so an embedder sees what capabilities a guest invoked and how
// long each took without a separate tracing pipeline.
func (h *HostImpl) auditHostcall(kind string, d time.Duration, err error) {
	if h.LogTarget == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	msg := fmt.Sprintf("hostcall kind=%s duration=%s outcome=%s", kind, d, outcome)
	_ = h.LogTarget.Log(instance.LogDebug, "hostcall_audit", msg)
}

func (h *HostImpl) hostcallHTTP(payload value.Value) (value.Value, error) {
	m, ok := payload.AsMap()
	if !ok {
		return value.Null(), sberr.New(sberr.CodeInvalidArgument, "http_request payload must be a map")
	}
	req := HttpRequest{Headers: map[string][]string{}}
	for _, kv := range m {
		switch kv.Key {
		case "method":
			req.Method, _ = kv.Val.AsString()
		case "uri":
			req.URI, _ = kv.Val.AsString()
		case "body":
			req.Body, _ = kv.Val.AsBytes()
		case "headers":
			if hm, ok := kv.Val.AsMap(); ok {
				for _, hkv := range hm {
					if seq, ok := hkv.Val.AsSeq(); ok {
						for _, item := range seq {
							s, _ := item.AsString()
							req.Headers[hkv.Key] = append(req.Headers[hkv.Key], s)
						}
					}
				}
			}
		}
	}

	resp, err := h.HTTP.HTTPRequest(context.Background(), req)
	if err != nil {
		return value.Null(), err
	}
	defer func() {
		if resp.Body != nil {
			resp.Body.Close()
		}
	}()

	body, err := drainUpTo(resp.Body, h.HTTP.bodyCap())
	if err != nil {
		return value.Null(), sberr.Wrap(sberr.CodeBodyCap, "HttpResponseBodySize", err)
	}

	headerKVs := make([]value.KV, 0, len(resp.Headers))
	for name, vs := range resp.Headers {
		items := make([]value.Value, len(vs))
		for i, v := range vs {
			items[i] = value.String(v)
		}
		headerKVs = append(headerKVs, value.KV{Key: name, Val: value.Seq(items)})
	}
	return value.Map(
		value.KV{Key: "status", Val: value.Int(int64(resp.Status))},
		value.KV{Key: "headers", Val: value.Map(headerKVs...)},
		value.KV{Key: "body", Val: value.Bytes(body)},
	), nil
}

func (h *HostImpl) hostcallWebsocket(payload value.Value) (value.Value, error) {
	if h.WebSocket == nil {
		return value.Null(), sberr.New(sberr.CodeInvalidArgument, "websocket_connect not configured")
	}
	m, ok := payload.AsMap()
	if !ok {
		return value.Null(), sberr.New(sberr.CodeInvalidArgument, "websocket_connect payload must be a map")
	}
	var uri string
	for _, kv := range m {
		if kv.Key == "uri" {
			uri, _ = kv.Val.AsString()
		}
	}
	conn, err := h.WebSocket.Connect(context.Background(), uri)
	if err != nil {
		return value.Null(), err
	}
	id := h.WebSocket.register(conn)
	return value.Map(value.KV{Key: "connection_id", Val: value.Int(int64(id))}), nil
}

func (h *HostImpl) hostcallLog(payload value.Value) (value.Value, error) {
	if h.LogTarget == nil {
		return value.Null(), nil
	}
	m, ok := payload.AsMap()
	if !ok {
		return value.Null(), sberr.New(sberr.CodeInvalidArgument, "log payload must be a map")
	}
	var level, ctx, message string
	for _, kv := range m {
		switch kv.Key {
		case "level":
			level, _ = kv.Val.AsString()
		case "context":
			ctx, _ = kv.Val.AsString()
		case "message":
			message, _ = kv.Val.AsString()
		}
	}
	if err := h.LogTarget.Log(instance.LogLevel(level), ctx, message); err != nil {
		return value.Null(), err
	}
	return value.Null(), nil
}
