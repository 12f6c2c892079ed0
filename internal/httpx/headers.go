package httpx

import (
	"net"
	"net/http"
	"strings"

	"github.com/matst80/wsrelay/internal/proto"
)

// hopHeaders are connection-scoped and never cross the tunnel.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopHeader(name string) bool { return hopHeaders[strings.ToLower(name)] }

// FromHeader converts h to the wire map with lowercase keys. A non-empty host
// is recorded under "host" since net/http keeps it outside the header map.
func FromHeader(h http.Header, host string) proto.Values {
	out := make(proto.Values, len(h)+1)
	for k, vs := range h {
		if isHopHeader(k) {
			continue
		}
		lk := strings.ToLower(k)
		out[lk] = append(out[lk], vs...)
	}
	if host != "" {
		out["host"] = []string{host}
	}
	return out
}

// Apply copies v into dst, skipping hop-by-hop headers and any name in skip.
func Apply(dst http.Header, v proto.Values, skip ...string) {
	drop := make(map[string]bool, len(skip))
	for _, s := range skip {
		drop[strings.ToLower(s)] = true
	}
	for _, k := range v.Keys() {
		if isHopHeader(k) || drop[strings.ToLower(k)] {
			continue
		}
		for _, val := range v[k] {
			dst.Add(k, val)
		}
	}
}

// Get returns the first value for name (case-insensitive) or empty.
func Get(v proto.Values, name string) string {
	lname := strings.ToLower(name)
	for k, vs := range v {
		if strings.ToLower(k) == lname && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// Del deletes all entries for name (case-insensitive).
func Del(v proto.Values, name string) {
	lname := strings.ToLower(name)
	for k := range v {
		if strings.ToLower(k) == lname {
			delete(v, k)
		}
	}
}

// Set replaces name with a single value.
func Set(v proto.Values, name, value string) {
	Del(v, name)
	v[strings.ToLower(name)] = []string{value}
}

// AugmentXFF appends clientIP to x-forwarded-for.
func AugmentXFF(v proto.Values, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := Get(v, "x-forwarded-for"); prior != "" {
		Set(v, "x-forwarded-for", prior+", "+clientIP)
		return
	}
	Set(v, "x-forwarded-for", clientIP)
}

// ClientIP returns the request's peer address without the port. When
// trustForwarded is set the first X-Forwarded-For entry wins.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	h, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return h
}
