// Package netpolicy implements NetworkPolicy: asynchronous, per-hop HTTP and
// WebSocket destination authorization, combining DNS-resolved private-range
// denial with an ordered ACL rule list.
package netpolicy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxrt/sandboxrt/pkg/sberr"
)

// Scheme is the set of destination schemes a Rule may restrict on.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeWS    Scheme = "ws"
	SchemeWSS   Scheme = "wss"
)

func parseScheme(s string) (Scheme, bool) {
	switch strings.ToLower(s) {
	case "http":
		return SchemeHTTP, true
	case "https":
		return SchemeHTTPS, true
	case "ws":
		return SchemeWS, true
	case "wss":
		return SchemeWSS, true
	default:
		return "", false
	}
}

func defaultPort(scheme Scheme) (uint16, bool) {
	switch scheme {
	case SchemeHTTP, SchemeWS:
		return 80, true
	case SchemeHTTPS, SchemeWSS:
		return 443, true
	default:
		return 0, false
	}
}

// HostMatch matches a request host either exactly or by suffix, both
// normalized (trailing dots trimmed, lowercased) at construction time.
type HostMatch struct {
	suffix bool
	value  string
}

// HostExact builds a host matcher requiring exact equality (after
// normalization) with host.
func HostExact(host string) HostMatch {
	return HostMatch{suffix: false, value: normalizeHost(host)}
}

// HostSuffix builds a host matcher requiring the request host to equal
// suffix or end in "."+suffix, after normalization of both sides. Leading
// dots on suffix are also trimmed so ".example.com" and "example.com"
// behave identically.
func HostSuffix(suffix string) HostMatch {
	trimmed := strings.TrimLeft(suffix, ".")
	return HostMatch{suffix: true, value: normalizeHost(trimmed)}
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimRight(h, "."))
}

func (m HostMatch) matches(host string) bool {
	host = normalizeHost(host)
	if !m.suffix {
		return host == m.value
	}
	if host == m.value {
		return true
	}
	prefix, ok := strings.CutSuffix(host, m.value)
	return ok && strings.HasSuffix(prefix, ".")
}

// PortRange is an inclusive [Start, End] port interval.
type PortRange struct {
	Start, End uint16
}

// SinglePort builds a PortRange matching exactly one port.
func SinglePort(p uint16) PortRange { return PortRange{Start: p, End: p} }

func (r PortRange) contains(p uint16) bool { return r.Start <= p && p <= r.End }

// Action is what a matching Rule does.
type Action int

const (
	Allow Action = iota
	Deny
)

// Rule is one ACL entry. Every specified dimension (schemes/methods/
// host/ports) must match for the rule to apply; an unspecified (empty)
// dimension is vacuously true.
type Rule struct {
	Action  Action
	Schemes []Scheme
	Methods []string // HTTP methods, uppercase; empty means "any", and also
	// matches a request with no method (e.g. a WebSocket check) only when
	// Methods is itself empty.
	Host  *HostMatch
	Ports []PortRange
}

// AllowRule begins building an Allow rule.
func AllowRule() Rule { return Rule{Action: Allow} }

// DenyRule begins building a Deny rule.
func DenyRule() Rule { return Rule{Action: Deny} }

func (r Rule) WithSchemes(s ...Scheme) Rule  { r.Schemes = s; return r }
func (r Rule) WithMethods(m ...string) Rule  { r.Methods = upperAll(m); return r }
func (r Rule) WithHostExact(h string) Rule   { hm := HostExact(h); r.Host = &hm; return r }
func (r Rule) WithHostSuffix(h string) Rule  { hm := HostSuffix(h); r.Host = &hm; return r }
func (r Rule) WithPorts(p ...PortRange) Rule { r.Ports = p; return r }

func upperAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func (r Rule) matches(scheme Scheme, host string, port uint16, method string) bool {
	if len(r.Schemes) > 0 {
		found := false
		for _, s := range r.Schemes {
			if s == scheme {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if method != "" {
		if len(r.Methods) > 0 {
			found := false
			for _, m := range r.Methods {
				if m == strings.ToUpper(method) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	} else if len(r.Methods) > 0 {
		return false
	}
	if r.Host != nil && !r.Host.matches(host) {
		return false
	}
	if len(r.Ports) > 0 {
		found := false
		for _, pr := range r.Ports {
			if pr.contains(port) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Resolver resolves a hostname to IP addresses. The production
// implementation uses net.Resolver; tests substitute a static resolver.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// NetResolver is the production Resolver backed by net.DefaultResolver.
type NetResolver struct{}

// Resolve looks up host via the standard library resolver.
func (NetResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// Policy is an ordered ACL plus private-range denial.
type Policy struct {
	Rules             []Rule
	DenyPrivateRanges bool
	Resolver          Resolver
	DNSTimeout        time.Duration
	DNSMaxAddrs       int
}

// New builds a Policy with the stated defaults: private ranges denied, a
// 1-second DNS timeout, and a cap of 16 resolved addresses considered.
func New(rules ...Rule) *Policy {
	return &Policy{
		Rules:             rules,
		DenyPrivateRanges: true,
		Resolver:          NetResolver{},
		DNSTimeout:        time.Second,
		DNSMaxAddrs:       16,
	}
}

type parsedURL struct {
	scheme Scheme
	host   string
	port   uint16
}

func parseTarget(rawURL string) (parsedURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return parsedURL{}, fmt.Errorf("netpolicy: invalid url: %w", err)
	}
	scheme, ok := parseScheme(u.Scheme)
	if !ok {
		return parsedURL{}, fmt.Errorf("netpolicy: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return parsedURL{}, fmt.Errorf("netpolicy: missing host")
	}
	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return parsedURL{}, fmt.Errorf("netpolicy: invalid port: %w", err)
		}
		port = uint16(n)
	} else {
		dp, ok := defaultPort(scheme)
		if !ok {
			return parsedURL{}, fmt.Errorf("netpolicy: missing port")
		}
		port = dp
	}
	return parsedURL{scheme: scheme, host: host, port: port}, nil
}

func (p *Policy) checkPrivate(ctx context.Context, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("destination ip prohibited: %s", ip)
		}
		return nil
	}

	timeout := p.DNSTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := p.Resolver.Resolve(rctx, host)
	if err != nil {
		if rctx.Err() != nil {
			return fmt.Errorf("dns timeout")
		}
		return fmt.Errorf("dns error: %w", err)
	}

	maxAddrs := p.DNSMaxAddrs
	if maxAddrs <= 0 {
		maxAddrs = 16
	}
	if len(addrs) > maxAddrs {
		addrs = addrs[:maxAddrs]
	}
	for _, ip := range addrs {
		if isPrivateIP(ip) {
			return fmt.Errorf("destination ip prohibited: %s", ip)
		}
	}
	return nil
}

// check runs the full algorithm: parse, private-range denial, then
// ordered rule matching with deny-on-no-match.
func (p *Policy) check(ctx context.Context, rawURL, method string) error {
	target, err := parseTarget(rawURL)
	if err != nil {
		return sberr.Wrap(sberr.CodePolicyDenied, err.Error(), err)
	}

	if p.DenyPrivateRanges {
		if err := p.checkPrivate(ctx, target.host); err != nil {
			return sberr.Wrap(sberr.CodePolicyDenied, err.Error(), err)
		}
	}

	for idx, rule := range p.Rules {
		if rule.matches(target.scheme, target.host, target.port, method) {
			if rule.Action == Allow {
				return nil
			}
			return sberr.New(sberr.CodePolicyDenied, fmt.Sprintf("denied by rule #%d", idx))
		}
	}

	return sberr.New(sberr.CodePolicyDenied, "no ACL rule matched")
}

// CheckHTTP authorizes an HTTP(S) request to rawURL using method.
func (p *Policy) CheckHTTP(ctx context.Context, rawURL, method string) error {
	return p.check(ctx, rawURL, method)
}

// CheckWebSocket authorizes a WebSocket upgrade to rawURL. WebSocket
// handshakes have no HTTP-method dimension, matching only rules that
// themselves specify no Methods.
func (p *Policy) CheckWebSocket(ctx context.Context, rawURL string) error {
	return p.check(ctx, rawURL, "")
}

// isPrivateIP reports whether ip is a loopback, link-local, or private
// (RFC 1918 / RFC 4193) address.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}
	return false
}
