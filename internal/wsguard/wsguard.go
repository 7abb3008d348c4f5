// Package wsguard holds the connection-policy helpers shared by the two
// websocket channel classes (node control and subscriber stream). Each
// class keeps its own independent IPCounter.
package wsguard

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// IPCounter caps concurrent connections per client IP.
type IPCounter struct {
	mu     sync.Mutex
	counts map[string]int
	limit  int
}

// NewIPCounter creates a counter with the given per-IP limit. A limit of
// zero or less disables the cap.
func NewIPCounter(limit int) *IPCounter {
	return &IPCounter{counts: make(map[string]int), limit: limit}
}

// TryAcquire reserves a slot for ip. Returns false when the cap is hit.
func (c *IPCounter) TryAcquire(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && c.counts[ip] >= c.limit {
		return false
	}
	c.counts[ip]++
	return true
}

// Release frees a slot for ip. Paired with TryAcquire in an on-close
// hook.
func (c *IPCounter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

// Active returns the current count for ip.
func (c *IPCounter) Active(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ip]
}

// BearerToken pulls the bearer token from an upgrade request, in order
// of preference: Authorization header, Sec-WebSocket-Protocol bearer
// form, and finally the query string when query-token auth is enabled.
// The subprotocol forms ("bearer.<token>" and "bearer, <token>") exist
// for clients that cannot set headers on websocket upgrades.
func BearerToken(r *http.Request, allowQuery bool) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	protos := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for i, proto := range protos {
		proto = strings.TrimSpace(proto)
		if strings.HasPrefix(proto, "bearer.") {
			return strings.TrimPrefix(proto, "bearer.")
		}
		if strings.EqualFold(proto, "bearer") && i+1 < len(protos) {
			return strings.TrimSpace(protos[i+1])
		}
	}

	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t
		}
	}
	return ""
}

// ClientIP extracts the client address, honoring X-Forwarded-For only
// when the proxy is trusted.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.Index(fwd, ","); i != -1 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsTLS reports whether the request arrived over TLS, either natively
// or via a trusted terminating proxy.
func IsTLS(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	return trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
