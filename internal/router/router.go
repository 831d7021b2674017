package router

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Endpoint maps one Host header value to a backend origin.
type Endpoint struct {
	Host   string
	Origin *url.URL
}

// Table is an immutable routing table. Build a new one and publish it through
// Store; never mutate a table readers may hold.
type Table struct {
	endpoints []Endpoint
	byHost    map[string]*url.URL
	fallback  *url.URL
}

func NewTable(endpoints []Endpoint, fallback *url.URL) *Table {
	byHost := make(map[string]*url.URL, len(endpoints))
	ordered := make([]Endpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		host := normalizeHost(endpoint.Host)
		if host == "" || endpoint.Origin == nil {
			continue
		}
		if _, exists := byHost[host]; exists {
			continue
		}
		byHost[host] = endpoint.Origin
		ordered = append(ordered, Endpoint{Host: host, Origin: endpoint.Origin})
	}
	return &Table{endpoints: ordered, byHost: byHost, fallback: fallback}
}

// Resolve returns the origin configured for the Host header value, or the
// fallback origin when the host is unknown or empty.
func (t *Table) Resolve(host string) *url.URL {
	if t == nil {
		return nil
	}
	if origin, ok := t.byHost[normalizeHost(host)]; ok {
		return origin
	}
	return t.fallback
}

// Endpoints returns the ordered endpoint list. The slice is freshly
// allocated; the origins are shared and must not be mutated.
func (t *Table) Endpoints() []Endpoint {
	if t == nil {
		return nil
	}
	return append([]Endpoint(nil), t.endpoints...)
}

func (t *Table) Fallback() *url.URL {
	if t == nil {
		return nil
	}
	return t.fallback
}

// WithFallback derives a new table sharing the endpoints with a different
// fallback origin.
func (t *Table) WithFallback(fallback *url.URL) *Table {
	if t == nil {
		return NewTable(nil, fallback)
	}
	return &Table{endpoints: t.endpoints, byHost: t.byHost, fallback: fallback}
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSpace(host))
}

// ParseOrigin validates a backend origin URL: absolute, http or https, with a
// host.
func ParseOrigin(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("origin url is empty")
	}
	origin, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid origin url %q: %w", raw, err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("origin url %q must use http or https", raw)
	}
	if origin.Host == "" {
		return nil, fmt.Errorf("origin url %q has no host", raw)
	}
	return origin, nil
}
