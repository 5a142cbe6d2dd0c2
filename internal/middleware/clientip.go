package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	// HeaderXForwardedFor is the header name for forwarded client IP.
	HeaderXForwardedFor = "X-Forwarded-For"
	// HeaderXRealIP is the header name for real client IP.
	HeaderXRealIP = "X-Real-IP"
)

// IPResolver determines the address a request should be attributed to.
type IPResolver struct {
	trustProxy bool
	trusted    []netip.Prefix
}

// NewIPResolver creates a resolver. trustedProxies holds addresses or CIDR
// ranges; when empty and trustProxy is set every peer is trusted.
func NewIPResolver(trustProxy bool, trustedProxies []string) *IPResolver {
	r := &IPResolver{trustProxy: trustProxy}
	for _, p := range trustedProxies {
		p = strings.TrimSpace(p)
		if prefix, err := netip.ParsePrefix(p); err == nil {
			r.trusted = append(r.trusted, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			r.trusted = append(r.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
		}
	}
	return r
}

// Resolve returns the client address of r.
//
// Forwarding headers are honoured only when the direct peer is trusted.
// X-Forwarded-For is walked right to left, skipping trusted hops, so a
// client cannot spoof its address by prepending entries.
func (res *IPResolver) Resolve(r *http.Request) string {
	remote := hostOnly(r.RemoteAddr)
	if !res.trustProxy || !res.isTrusted(remote) {
		return remote
	}

	if xff := r.Header.Get(HeaderXForwardedFor); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !res.isTrusted(hop) {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get(HeaderXRealIP)); xri != "" {
		return xri
	}

	return remote
}

func (res *IPResolver) isTrusted(ip string) bool {
	if len(res.trusted) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range res.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns a middleware that stores the resolved client address in
// the request context.
func ClientIP(resolver *IPResolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ClientIPKey, resolver.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// hostOnly strips the port from host:port, returning addr unchanged when it has none.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
