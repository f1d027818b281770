package gatekeeper

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

const headerXForwardedFor = "X-Forwarded-For"

// clientIPExtractor resolves the real client address. With no trusted
// proxies configured only RemoteAddr is used, so a client cannot pick its
// own rate-limit bucket by sending X-Forwarded-For.
type clientIPExtractor struct {
	trusted []*net.IPNet
}

func newClientIPExtractor(proxies []string) (*clientIPExtractor, error) {
	cidrs := make([]*net.IPNet, 0, len(proxies))
	for _, proxy := range proxies {
		proxy = strings.TrimSpace(proxy)
		if proxy == "" {
			continue
		}
		cidr, err := parseProxy(proxy)
		if err != nil {
			return nil, err
		}
		cidrs = append(cidrs, cidr)
	}
	return &clientIPExtractor{trusted: cidrs}, nil
}

func parseProxy(proxy string) (*net.IPNet, error) {
	if _, cidr, err := net.ParseCIDR(proxy); err == nil {
		return cidr, nil
	}
	ip := net.ParseIP(proxy)
	if ip == nil {
		return nil, fmt.Errorf("invalid trusted proxy %q", proxy)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Extract walks X-Forwarded-For right to left, but only when the direct
// peer is trusted, and returns the first untrusted hop.
func (e *clientIPExtractor) Extract(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if e == nil || len(e.trusted) == 0 || !e.isTrusted(remote) {
		return remote
	}

	xff := r.Header.Get(headerXForwardedFor)
	if xff == "" {
		return remote
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			// a malformed hop ends the trusted chain
			return remote
		}
		if !e.isTrusted(hop) {
			return hop
		}
	}
	return remote
}

func (e *clientIPExtractor) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, cidr := range e.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
