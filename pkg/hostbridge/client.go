package hostbridge

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// transportDefaults groups transport-layer knobs that are set once at
// construction time, sized for many concurrently-running sandboxes sharing
// one embedder process rather than one browser-shaped session.
type transportDefaults struct {
	maxIdleConns        int
	maxIdleConnsPerHost int
	maxConnsPerHost     int
}

var defaultTransport = transportDefaults{
	maxIdleConns:        500,
	maxIdleConnsPerHost: 100,
	maxConnsPerHost:     200,
}

// HTTPClient adapts a plain net/http.Client to the SingleHopClient
// interface Bridge drives: exactly one hop, no cookie persistence across
// calls (the guest ABI carries headers explicitly per request), no
// automatic redirect following (Bridge owns the redirect engine).
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient constructs an HTTPClient tuned for many concurrent
// sandboxes sharing one outbound connection pool. proxy may be empty for a
// direct connection.
func NewHTTPClient(proxy string, timeout time.Duration) (*HTTPClient, error) {
	transport, err := buildTransport(proxy)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func buildTransport(proxy string) (*http.Transport, error) {
	t := &http.Transport{
		DisableKeepAlives:     false,
		MaxIdleConns:          defaultTransport.maxIdleConns,
		MaxIdleConnsPerHost:   defaultTransport.maxIdleConnsPerHost,
		MaxConnsPerHost:       defaultTransport.maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("hostbridge: parse proxy URL %q: %w", proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t, nil
}

// Do performs exactly one HTTP hop, returning the raw response for Bridge
// to inspect for redirect status codes.
func (c *HTTPClient) Do(ctx context.Context, req HttpRequest) (HttpResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, bytes.NewReader(req.Body))
	if err != nil {
		return HttpResponse{}, fmt.Errorf("hostbridge: build request: %w", err)
	}
	for name, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return HttpResponse{}, err
	}
	return HttpResponse{
		Status:  resp.StatusCode,
		Headers: map[string][]string(resp.Header),
		Body:    resp.Body,
	}, nil
}
