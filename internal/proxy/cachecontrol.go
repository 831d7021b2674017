package proxy

import (
	"strconv"
	"strings"
)

// CacheControl holds the parsed response directives. Directive names compare
// case-insensitively; arguments accept both token and quoted-string form.
type CacheControl struct {
	directives map[string]string
}

func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := strings.ToLower(parts[0])
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(parts[1], `"`)
			}
			m[name] = arg
		}
	}
	return CacheControl{directives: m}
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.directives[directive]
	return ok
}

func (c CacheControl) NoStore() bool { return c.Has("no-store") }
func (c CacheControl) Private() bool { return c.Has("private") }
func (c CacheControl) NoCache() bool { return c.Has("no-cache") }

// MaxAge returns the freshness lifetime in seconds, preferring s-maxage over
// max-age. The second return is false when neither directive parses.
func (c CacheControl) MaxAge() (int, bool) {
	if seconds, ok := c.deltaSeconds("s-maxage"); ok {
		return seconds, true
	}
	return c.deltaSeconds("max-age")
}

func (c CacheControl) deltaSeconds(directive string) (int, bool) {
	arg, ok := c.directives[directive]
	if !ok {
		return 0, false
	}
	seconds, err := strconv.Atoi(arg)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return seconds, true
}
