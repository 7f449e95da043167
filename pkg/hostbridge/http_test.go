package hostbridge

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/sandboxrt/sandboxrt/pkg/netpolicy"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
)

type step struct {
	resp HttpResponse
	err  error
}

type fakeClient struct {
	steps    []step
	calls    int
	received []HttpRequest
}

func (f *fakeClient) Do(ctx context.Context, req HttpRequest) (HttpResponse, error) {
	f.received = append(f.received, req)
	s := f.steps[f.calls]
	f.calls++
	return s.resp, s.err
}

func bodyOf(resp HttpResponse) string {
	if resp.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func okResp(body string) HttpResponse {
	return HttpResponse{Status: 200, Headers: map[string][]string{}, Body: io.NopCloser(strings.NewReader(body))}
}

func redirectResp(status int, location string) HttpResponse {
	return HttpResponse{Status: status, Headers: map[string][]string{"Location": {location}}, Body: io.NopCloser(strings.NewReader(""))}
}

func openPolicy() *netpolicy.Policy {
	p := netpolicy.New(netpolicy.AllowRule())
	p.DenyPrivateRanges = false
	return p
}

func TestHTTPRequestNoRedirectReturnsResponse(t *testing.T) {
	client := &fakeClient{steps: []step{{resp: okResp("hello")}}}
	b := NewBridge(client, openPolicy())

	resp, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "GET", URI: "http://example.com/a", Headers: map[string][]string{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 || bodyOf(resp) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if client.calls != 1 {
		t.Fatalf("expected exactly 1 hop, got %d", client.calls)
	}
}

func TestHTTPRequestFollowsSameOriginRedirect(t *testing.T) {
	client := &fakeClient{steps: []step{
		{resp: redirectResp(302, "http://example.com/b")},
		{resp: okResp("final")},
	}}
	b := NewBridge(client, openPolicy())

	resp, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "GET", URI: "http://example.com/a", Headers: map[string][]string{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bodyOf(resp) != "final" {
		t.Fatalf("expected final body, got %q", bodyOf(resp))
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 hops, got %d", client.calls)
	}
	if client.received[1].URI != "http://example.com/b" {
		t.Fatalf("expected second hop to target /b, got %s", client.received[1].URI)
	}
}

func TestRedirect302RewritesPostToGetAndDropsBody(t *testing.T) {
	client := &fakeClient{steps: []step{
		{resp: redirectResp(302, "http://example.com/b")},
		{resp: okResp("")},
	}}
	b := NewBridge(client, openPolicy())

	_, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "POST", URI: "http://example.com/a", Headers: map[string][]string{}, Body: []byte("payload")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := client.received[1]
	if second.Method != "GET" {
		t.Fatalf("expected rewritten method GET, got %s", second.Method)
	}
	if second.Body != nil {
		t.Fatalf("expected body dropped on 302 rewrite, got %q", second.Body)
	}
}

func TestRedirect307PreservesMethodAndBody(t *testing.T) {
	client := &fakeClient{steps: []step{
		{resp: redirectResp(307, "http://example.com/b")},
		{resp: okResp("")},
	}}
	b := NewBridge(client, openPolicy())

	_, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "POST", URI: "http://example.com/a", Headers: map[string][]string{}, Body: []byte("payload")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := client.received[1]
	if second.Method != "POST" {
		t.Fatalf("expected preserved method POST, got %s", second.Method)
	}
	if string(second.Body) != "payload" {
		t.Fatalf("expected preserved body, got %q", second.Body)
	}
}

func TestRedirect303AlwaysRewritesToGet(t *testing.T) {
	client := &fakeClient{steps: []step{
		{resp: redirectResp(303, "http://example.com/b")},
		{resp: okResp("")},
	}}
	b := NewBridge(client, openPolicy())

	_, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "PUT", URI: "http://example.com/a", Headers: map[string][]string{}, Body: []byte("payload")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := client.received[1]
	if second.Method != "GET" || second.Body != nil {
		t.Fatalf("expected 303 to force GET with no body, got method=%s body=%q", second.Method, second.Body)
	}
}

func TestCrossOriginRedirectStripsAuthCookieAndProxyHeader(t *testing.T) {
	client := &fakeClient{steps: []step{
		{resp: redirectResp(302, "http://other.example/b")},
		{resp: okResp("")},
	}}
	b := NewBridge(client, openPolicy())

	req := HttpRequest{
		Method: "GET",
		URI:    "http://example.com/a",
		Headers: map[string][]string{
			"Authorization":   {"Bearer secret"},
			"Cookie":          {"session=1"},
			"X-Sandbox-Proxy": {"proxy-token"},
			"Accept":          {"application/json"},
		},
	}
	_, err := b.HTTPRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := client.received[1]
	for _, h := range []string{"Authorization", "Cookie", "X-Sandbox-Proxy"} {
		if firstHeader(second.Headers, h) != "" {
			t.Errorf("expected %s to be stripped on cross-origin redirect", h)
		}
	}
	if firstHeader(second.Headers, "Accept") != "application/json" {
		t.Error("expected unrelated header Accept to survive")
	}
}

func TestSameOriginRedirectKeepsAuthHeader(t *testing.T) {
	client := &fakeClient{steps: []step{
		{resp: redirectResp(302, "http://example.com/b")},
		{resp: okResp("")},
	}}
	b := NewBridge(client, openPolicy())

	req := HttpRequest{
		Method:  "GET",
		URI:     "http://example.com/a",
		Headers: map[string][]string{"Authorization": {"Bearer secret"}},
	}
	_, err := b.HTTPRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstHeader(client.received[1].Headers, "Authorization") != "Bearer secret" {
		t.Error("expected same-origin redirect to keep Authorization header")
	}
}

func TestExceedingMaxRedirectsReturnsLoopDetected(t *testing.T) {
	steps := make([]step, 0, DefaultMaxRedirects+2)
	for i := 0; i < DefaultMaxRedirects+2; i++ {
		steps = append(steps, step{resp: redirectResp(302, "http://example.com/next")})
	}
	client := &fakeClient{steps: steps}
	b := NewBridge(client, openPolicy())

	_, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "GET", URI: "http://example.com/a", Headers: map[string][]string{}})
	if sberr.CodeOf(err) != sberr.CodeLoopDetected {
		t.Fatalf("expected CodeLoopDetected, got %v", err)
	}
}

func TestNonHTTPSchemeRedirectReturnsResponseAsIs(t *testing.T) {
	client := &fakeClient{steps: []step{{resp: redirectResp(302, "mailto:nobody@example.com")}}}
	b := NewBridge(client, openPolicy())

	resp, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "GET", URI: "http://example.com/a", Headers: map[string][]string{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 302 {
		t.Fatalf("expected the redirect response returned as-is, got status %d", resp.Status)
	}
	if client.calls != 1 {
		t.Fatalf("expected no further hop for a non-http(s) Location, got %d calls", client.calls)
	}
}

func TestOversizedBodyRejectedBeforeDispatch(t *testing.T) {
	client := &fakeClient{steps: []step{{resp: okResp("")}}}
	b := NewBridge(client, openPolicy())
	b.BodyCap = 4

	_, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "POST", URI: "http://example.com/a", Headers: map[string][]string{}, Body: []byte("too long")})
	if sberr.CodeOf(err) != sberr.CodeBodyCap {
		t.Fatalf("expected CodeBodyCap, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected the client to never be invoked for an oversized body, got %d calls", client.calls)
	}
}

func TestPolicyDenialBlocksRequest(t *testing.T) {
	client := &fakeClient{steps: []step{{resp: okResp("")}}}
	p := netpolicy.New(netpolicy.DenyRule())
	p.DenyPrivateRanges = false
	b := NewBridge(client, p)

	_, err := b.HTTPRequest(context.Background(), HttpRequest{Method: "GET", URI: "http://example.com/a", Headers: map[string][]string{}})
	if sberr.CodeOf(err) != sberr.CodePolicyDenied {
		t.Fatalf("expected CodePolicyDenied, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected the client to never be invoked for a denied request, got %d calls", client.calls)
	}
}

func TestHostHeaderStrippedBeforeDispatch(t *testing.T) {
	client := &fakeClient{steps: []step{{resp: okResp("")}}}
	b := NewBridge(client, openPolicy())

	req := HttpRequest{Method: "GET", URI: "http://example.com/a", Headers: map[string][]string{"Host": {"evil.example"}}}
	_, err := b.HTTPRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstHeader(client.received[0].Headers, "Host") != "" {
		t.Error("expected Host header to be stripped before dispatch")
	}
}
