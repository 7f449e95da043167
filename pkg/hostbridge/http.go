// Package hostbridge implements the set of host-implemented capabilities a
// guest imports: hostcall, http_request (with its redirect engine and body
// caps), websocket_connect, and logging.
package hostbridge

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/sandboxrt/sandboxrt/pkg/netpolicy"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
)

// DefaultBodyCap is the default cap on inbound and outbound HTTP body
// sizes.
const DefaultBodyCap = 16 << 20

// DefaultMaxRedirects bounds the redirect engine; exceeding it yields
// LoopDetected.
const DefaultMaxRedirects = 10

// HttpRequest is the host-visible shape of an outgoing request. Body is
// fully buffered before the request is sent.
type HttpRequest struct {
	Method  string
	URI     string
	Headers map[string][]string
	Body    []byte
}

// HttpResponse is the host-visible shape of a response. Body is a stream of
// data frames; SingleHopClient implementations may return an
// io.ReadCloser that the bridge drains under the body cap.
type HttpResponse struct {
	Status  int
	Headers map[string][]string
	Body    io.ReadCloser
}

// SingleHopClient is the embedder's HTTP capability: it performs exactly
// one hop, with no redirect following (the bridge owns redirects) and no
// policy enforcement (the bridge checks policy before every hop).
type SingleHopClient interface {
	Do(ctx context.Context, req HttpRequest) (HttpResponse, error)
}

// Bridge implements the http_request capability including its redirect
// engine.
type Bridge struct {
	Client         SingleHopClient
	Policy         *netpolicy.Policy
	BodyCap        int
	MaxRedirects   int
	ConnectTimeout time.Duration
	ProxyHeader    string // embedder-specific proxy header stripped cross-origin
}

// NewBridge constructs a Bridge with its default body cap, redirect
// limit, and connect timeout.
func NewBridge(client SingleHopClient, policy *netpolicy.Policy) *Bridge {
	return &Bridge{
		Client:         client,
		Policy:         policy,
		BodyCap:        DefaultBodyCap,
		MaxRedirects:   DefaultMaxRedirects,
		ConnectTimeout: 30 * time.Second,
		ProxyHeader:    "X-Sandbox-Proxy",
	}
}

func (b *Bridge) bodyCap() int {
	if b.BodyCap <= 0 {
		return DefaultBodyCap
	}
	return b.BodyCap
}

func (b *Bridge) maxRedirects() int {
	if b.MaxRedirects <= 0 {
		return DefaultMaxRedirects
	}
	return b.MaxRedirects
}

// HTTPRequest executes req, following redirects up to MaxRedirects and
// re-checking NetworkPolicy on every hop.
func (b *Bridge) HTTPRequest(ctx context.Context, req HttpRequest) (HttpResponse, error) {
	current := req
	originURL, err := url.Parse(req.URI)
	if err != nil {
		return HttpResponse{}, sberr.Wrap(sberr.CodeInvalidArgument, "invalid URI", err)
	}

	for hop := 0; ; hop++ {
		if hop > b.maxRedirects() {
			return HttpResponse{}, sberr.New(sberr.CodeLoopDetected, "LoopDetected")
		}

		resp, err := b.singleHop(ctx, current)
		if err != nil {
			return HttpResponse{}, err
		}

		if !isRedirectStatus(resp.Status) {
			return resp, nil
		}

		location := firstHeader(resp.Headers, "Location")
		if location == "" {
			return resp, nil
		}
		nextURL, err := originURL.Parse(location)
		if err != nil {
			return resp, nil
		}
		if nextURL.Scheme != "http" && nextURL.Scheme != "https" {
			// Non-http(s) scheme: treat this as a terminal response rather
			// than an error.
			return resp, nil
		}

		crossOrigin := nextURL.Scheme != originURL.Scheme || nextURL.Host != originURL.Host
		nextReq := rewriteForRedirect(current, resp.Status, nextURL.String())
		if crossOrigin {
			stripCrossOriginHeaders(nextReq.Headers, b.ProxyHeader)
		}

		current = nextReq
		originURL = nextURL
	}
}

// singleHop strips the Host header, re-checks policy, validates
// Content-Length and body size, then makes a single non-redirect-following
// call to the embedder's client.
func (b *Bridge) singleHop(ctx context.Context, req HttpRequest) (HttpResponse, error) {
	// Step 1: strip Host header, the redirect engine owns origin.
	stripHeader(req.Headers, "Host")

	// Step 2: policy check.
	if b.Policy != nil {
		if err := b.Policy.CheckHTTP(ctx, req.URI, req.Method); err != nil {
			return HttpResponse{}, sberr.Wrap(sberr.CodePolicyDenied, "HttpRequestDenied", err)
		}
	}

	// Step 3: Content-Length pre-check.
	if cl := firstHeader(req.Headers, "Content-Length"); cl != "" {
		if n := parseContentLength(cl); n > b.bodyCap() {
			return HttpResponse{}, sberr.New(sberr.CodeBodyCap, fmt.Sprintf("HttpRequestBodySize(%d)", b.bodyCap()))
		}
	}

	// Step 4: drain the outgoing body into a bounded buffer under a
	// body-read timeout. Body is already fully buffered by the time it
	// reaches HttpRequest per the data model, so this degenerates to a
	// size check, matching the "already drained" shape of the guest ABI.
	if len(req.Body) > b.bodyCap() {
		return HttpResponse{}, sberr.New(sberr.CodeBodyCap, fmt.Sprintf("HttpRequestBodySize(%d)", b.bodyCap()))
	}

	// Step 5: invoke the embedder's single-hop client with a first-byte
	// timeout.
	writeTimeout := b.ConnectTimeout
	if writeTimeout <= 0 || writeTimeout > 30*time.Second {
		writeTimeout = 30 * time.Second
	}
	hopCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	resp, err := b.Client.Do(hopCtx, req)
	if err != nil {
		if hopCtx.Err() != nil {
			return HttpResponse{}, sberr.New(sberr.CodeResponseTimeout, "HttpResponseTimeout")
		}
		return HttpResponse{}, sberr.Wrap(sberr.CodeHost, "http client error", err)
	}
	return resp, nil
}

func isRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

// rewriteForRedirect applies the method/body rewrite rules for the given
// redirect status and returns a request targeting location.
func rewriteForRedirect(req HttpRequest, status int, location string) HttpRequest {
	next := HttpRequest{
		Method:  req.Method,
		URI:     location,
		Headers: cloneHeaders(req.Headers),
		Body:    req.Body,
	}
	switch status {
	case 301, 302:
		if req.Method != "GET" && req.Method != "HEAD" {
			next.Method = "GET"
			next.Body = nil
		}
	case 303:
		next.Method = "GET"
		next.Body = nil
	case 307, 308:
		// preserve method & body
	}
	return next
}

func stripCrossOriginHeaders(headers map[string][]string, proxyHeader string) {
	stripHeader(headers, "Authorization")
	stripHeader(headers, "Cookie")
	if proxyHeader != "" {
		stripHeader(headers, proxyHeader)
	}
}

func stripHeader(headers map[string][]string, name string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
}

func firstHeader(headers map[string][]string, name string) string {
	for k, vs := range headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func cloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func parseContentLength(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
