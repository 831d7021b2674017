package proxy

import (
	"net/http"
	"strings"
)

// hop-by-hop headers are stripped in both directions (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers in place, including any header
// nominated by the Connection header itself.
func StripHopByHop(header http.Header) {
	for _, connection := range header.Values("Connection") {
		for _, nominated := range strings.Split(connection, ",") {
			if nominated = strings.TrimSpace(nominated); nominated != "" {
				header.Del(nominated)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

// ParseVary splits the response Vary header(s) into an ordered, de-duplicated,
// lower-cased name list. The second return reports a Vary: * wildcard, which
// makes the response uncacheable.
func ParseVary(header http.Header) ([]string, bool) {
	var names []string
	seen := make(map[string]struct{})
	for _, value := range header.Values("Vary") {
		for _, name := range strings.Split(value, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if name == "*" {
				return nil, true
			}
			if _, duplicate := seen[name]; duplicate {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names, false
}

// ETagMatches reports whether any tag listed in an If-None-Match header value
// equals the stored strong ETag. A bare * matches any stored entry. Weak
// prefixes are ignored for comparison, per weak comparison rules.
func ETagMatches(ifNoneMatch string, etag string) bool {
	if etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
