package security

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the address of the client that sent r. Forwarding headers
// are only honoured when trustProxy is set; trustedProxies is the number of
// proxies appending to X-Forwarded-For and defaults to 1.
func ClientIP(r *http.Request, trustProxy bool, trustedProxies int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor picks the entry written by the outermost trusted proxy
func forwardedFor(header string, trustedProxies int) string {
	if header == "" {
		return ""
	}
	if trustedProxies <= 0 {
		trustedProxies = 1
	}
	hops := strings.Split(header, ",")
	idx := max(len(hops)-trustedProxies-1, 0)
	return validIP(hops[idx])
}

func validIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

type clientIPContextKey struct{}

// WithClientIP stores the client address for audit records further down the call chain
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext returns the address stored by WithClientIP
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
