package key

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies one stored response: the resource half covers
// method+URL, the variant half covers the request headers named by the
// response's Vary set.
type Fingerprint struct {
	Resource uint64
	Variant  uint64
}

// NormalizeURL renders the canonical form of a request target that both
// hashing and the stored-URL equality check operate on. Host is lowered,
// an empty path becomes "/", the query is kept verbatim.
func NormalizeURL(host string, u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	var builder strings.Builder
	builder.Grow(len(host) + len(path) + len(u.RawQuery) + 1)
	builder.WriteString(strings.ToLower(host))
	builder.WriteString(path)
	if u.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(u.RawQuery)
	}
	return builder.String()
}

// ResourceKey hashes method plus normalized URL. Collisions are tolerated
// because every entry stores the normalized URL and lookups compare it
// byte-for-byte.
func ResourceKey(method string, normalizedURL string) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(strings.ToUpper(method))
	_, _ = digest.WriteString("|")
	_, _ = digest.WriteString(normalizedURL)
	return digest.Sum64()
}

// VariantKey projects the request headers onto the ordered Vary name list and
// hashes the projection. A name missing from the request contributes an empty
// value, so two requests agree exactly when their projections agree pointwise.
func VariantKey(header map[string][]string, varyNames []string) uint64 {
	digest := xxhash.New()
	for _, name := range varyNames {
		_, _ = digest.WriteString(strings.ToLower(name))
		_, _ = digest.WriteString("=")
		_, _ = digest.WriteString(headerValue(header, name))
		_, _ = digest.WriteString("\n")
	}
	return digest.Sum64()
}

func headerValue(header map[string][]string, name string) string {
	for candidate, values := range header {
		if strings.EqualFold(candidate, name) {
			return strings.Join(values, ",")
		}
	}
	return ""
}

// SynthesizeETag builds a quoted strong validator from the body bytes. A
// truncated SHA-256 keeps the tag short while staying collision-resistant
// enough that equal tags mean equal bytes.
func SynthesizeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
