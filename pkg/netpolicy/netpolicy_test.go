package netpolicy

import (
	"context"
	"net"
	"testing"
)

type staticResolver struct{ ips []net.IP }

func (s staticResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return s.ips, nil
}

func TestDenyPrivateIPLiteral(t *testing.T) {
	p := New(AllowRule().WithSchemes(SchemeHTTP, SchemeHTTPS))
	err := p.CheckHTTP(context.Background(), "http://127.0.0.1/", "GET")
	if err == nil {
		t.Fatal("expected private literal IP to be denied")
	}
}

func TestDenyPrivateIPViaDNS(t *testing.T) {
	p := New(AllowRule().WithSchemes(SchemeHTTP, SchemeHTTPS))
	p.Resolver = staticResolver{ips: []net.IP{net.ParseIP("10.0.0.1")}}
	err := p.CheckHTTP(context.Background(), "http://example.com/", "GET")
	if err == nil {
		t.Fatal("expected DNS-resolved private IP to be denied")
	}
}

func TestAllowByRule(t *testing.T) {
	p := New(AllowRule().
		WithSchemes(SchemeHTTP, SchemeHTTPS).
		WithMethods("GET").
		WithHostExact("example.com").
		WithPorts(SinglePort(80)))
	p.Resolver = staticResolver{ips: []net.IP{net.ParseIP("93.184.216.34")}}
	err := p.CheckHTTP(context.Background(), "http://example.com/", "GET")
	if err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestDefaultsDenyPrivateRanges(t *testing.T) {
	p := New(AllowRule().WithSchemes(SchemeHTTP, SchemeHTTPS))
	err := p.CheckHTTP(context.Background(), "http://127.0.0.1/", "GET")
	if err == nil {
		t.Fatal("expected deny_private_ranges to default true")
	}
}

func TestNoRuleMatchDenies(t *testing.T) {
	p := New(AllowRule().WithHostExact("allowed.example"))
	p.Resolver = staticResolver{ips: []net.IP{net.ParseIP("93.184.216.34")}}
	err := p.CheckHTTP(context.Background(), "http://other.example/", "GET")
	if err == nil {
		t.Fatal("expected deny when no rule matches")
	}
}

func TestHostSuffixMatchesSubdomain(t *testing.T) {
	m := HostSuffix("example.com")
	cases := map[string]bool{
		"example.com":         true,
		"foo.example.com":     true,
		"bar.foo.example.com": true,
		"notexample.com":      false,
		"example.com.evil.com": false,
	}
	for host, want := range cases {
		if got := m.matches(host); got != want {
			t.Errorf("matches(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestHostSuffixLeadingDot(t *testing.T) {
	m := HostSuffix(".example.com")
	if !m.matches("example.com") || !m.matches("foo.example.com") {
		t.Fatal("leading-dot suffix should normalize the same as without")
	}
	if m.matches("notexample.com") {
		t.Fatal("should not match unrelated domain sharing a substring")
	}
}

func TestHostSuffixTrailingDot(t *testing.T) {
	m := HostSuffix("example.com.")
	if !m.matches("example.com") || !m.matches("example.com.") || !m.matches("foo.example.com") {
		t.Fatal("trailing dot on rule or request host should be trimmed before comparison")
	}
}

func TestFirstMatchWins(t *testing.T) {
	p := New(
		DenyRule().WithHostSuffix("example.com"),
		AllowRule().WithHostSuffix("example.com"),
	)
	p.Resolver = staticResolver{ips: []net.IP{net.ParseIP("93.184.216.34")}}
	err := p.CheckHTTP(context.Background(), "http://example.com/", "GET")
	if err == nil {
		t.Fatal("expected the earlier deny rule to win over the later allow rule")
	}
}
