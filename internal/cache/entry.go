package cache

import (
	"net/http"
	"time"

	"mnemosyne/internal/key"
)

// fixed accounting overhead per entry: map slot, list element, index slot,
// timestamps. Mirrors the footprint the weigher cannot see directly.
const entryOverheadBytes = 128

// Entry is one cached upstream response. Slices and the header map are
// treated as immutable once the entry is stored.
type Entry struct {
	Status    int
	Header    http.Header
	Body      []byte
	ETag      string
	VaryNames []string
	MaxAge    int
	Method    string
	URL       string
	StoredAt  time.Time
}

// Weight measures the in-memory footprint used for the size ceiling.
func (e Entry) Weight() int64 {
	total := int64(entryOverheadBytes)
	total += int64(len(e.Method) + len(e.URL) + len(e.ETag))
	for _, name := range e.VaryNames {
		total += int64(len(name))
	}
	for name, values := range e.Header {
		total += int64(len(name))
		for _, value := range values {
			total += int64(len(value))
		}
	}
	total += int64(len(e.Body))
	return total
}

// Summary is the metadata view handed to the admin surface.
type Summary struct {
	Fingerprint key.Fingerprint
	Method      string
	URL         string
	Status      int
	ETag        string
	VaryNames   []string
	MaxAge      int
	Weight      int64
	StoredAt    time.Time
	LastAccess  time.Time
}

// Variant describes one stored variant of a resource for lookup probing.
type Variant struct {
	Key       uint64
	VaryNames []string
	Method    string
	URL       string
}

type Stats struct {
	EntryCount  int64
	TotalBytes  int64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}
