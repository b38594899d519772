package admission

import (
	"net"
	"net/http"
	"strings"
)

// UnknownIP is the shared bucket for requests whose client address cannot be
// determined. All such requests count against one identity, which degrades
// fairness but fails closed rather than open.
const UnknownIP = "unknown"

// ClientIP extracts the client address from proxy headers, most trustworthy
// first. Only syntactically valid IP literals are accepted; anything else
// falls through to the next source.
//
//	CF-Connecting-IP > X-Forwarded-For (first entry) > X-Real-IP > "unknown"
func ClientIP(r *http.Request) string {
	if ip := validIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := validIP(first); ip != "" {
			return ip
		}
	}
	if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return UnknownIP
}

// Identity builds the counter identity for a request: a stable prefix (the
// endpoint class) joined with the client address.
func Identity(prefix string, r *http.Request) string {
	return prefix + ":" + ClientIP(r)
}

// validIP returns the trimmed input if it parses as an IPv4 or IPv6 literal,
// else "".
func validIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if net.ParseIP(s) == nil {
		return ""
	}
	return s
}
