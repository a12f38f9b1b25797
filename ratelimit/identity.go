package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// UnknownIdentity is the shared bucket for requests that carry no usable
// address. All such clients spend one common quota.
const UnknownIdentity = "unknown"

// forwardedHeaders are consulted in order before the connection address.
var forwardedHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

// ClientIdentity derives the rate-limit key of a request: the first
// forwarded-client header present, then the direct connection address, then
// UnknownIdentity.
func ClientIdentity(r *http.Request) string {
	for _, h := range forwardedHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		// X-Forwarded-For is "client, proxy1, proxy2"
		if first, _, _ := strings.Cut(v, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return UnknownIdentity
}
