package admin

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mnemosyne/internal/cache"
	"mnemosyne/internal/key"
	"mnemosyne/internal/router"
)

// Key halves are serialized as decimal strings: JSON numbers cannot carry a
// full uint64.
type entrySummary struct {
	Resource   string    `json:"resource"`
	Variant    string    `json:"variant"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status"`
	ETag       string    `json:"etag"`
	Vary       []string  `json:"vary,omitempty"`
	MaxAge     int       `json:"max_age"`
	Weight     int64     `json:"weight"`
	StoredAt   time.Time `json:"stored_at"`
	LastAccess time.Time `json:"last_access"`
}

type entryDetail struct {
	entrySummary
	Header http.Header `json:"header"`
	Body   string      `json:"body,omitempty"`
}

type statsResponse struct {
	EntryCount  int64  `json:"entry_count"`
	TotalBytes  int64  `json:"total_bytes"`
	SizeLimit   int64  `json:"size_limit"`
	Expiration  int64  `json:"expiration_seconds"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

type removedResponse struct {
	Removed int `json:"removed"`
}

type tableEndpoint struct {
	Host   string `json:"host"`
	Origin string `json:"origin"`
}

type tableBody struct {
	Endpoints        []tableEndpoint `json:"endpoints"`
	FallBackEndpoint string          `json:"fall_back_endpoint"`
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		EntryCount:  stats.EntryCount,
		TotalBytes:  stats.TotalBytes,
		SizeLimit:   h.cache.MaxBytes(),
		Expiration:  int64(h.cache.IdleTTL() / time.Second),
		Hits:        stats.Hits,
		Misses:      stats.Misses,
		Evictions:   stats.Evictions,
		Expirations: stats.Expirations,
	})
}

func (h *handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	snapshot := h.cache.Snapshot()
	summaries := make([]entrySummary, 0, len(snapshot))
	for _, summary := range snapshot {
		summaries = append(summaries, summarize(summary))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprintFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, ok := h.cache.Get(fp)
	if !ok {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	detail := entryDetail{
		entrySummary: entrySummary{
			Resource: strconv.FormatUint(fp.Resource, 10),
			Variant:  strconv.FormatUint(fp.Variant, 10),
			Method:   entry.Method,
			URL:      entry.URL,
			Status:   entry.Status,
			ETag:     entry.ETag,
			Vary:     entry.VaryNames,
			MaxAge:   entry.MaxAge,
			Weight:   entry.Weight(),
			StoredAt: entry.StoredAt,
		},
		Header: entry.Header,
	}
	if r.URL.Query().Get("body") == "true" {
		detail.Body = base64.StdEncoding.EncodeToString(entry.Body)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *handler) handleInvalidateEntry(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprintFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed := h.cache.Invalidate(fp)
	h.metrics.RecordInvalidation("entry", removed)
	h.log.Debug().Uint64("resource", fp.Resource).Uint64("variant", fp.Variant).
		Int("removed", removed).Msg("entry invalidated")
	writeJSON(w, http.StatusOK, removedResponse{Removed: removed})
}

func (h *handler) handleInvalidateResource(w http.ResponseWriter, r *http.Request) {
	resource, err := resourceFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed := h.cache.InvalidateResource(resource)
	h.metrics.RecordInvalidation("resource", removed)
	h.log.Debug().Uint64("resource", resource).Int("removed", removed).Msg("resource invalidated")
	writeJSON(w, http.StatusOK, removedResponse{Removed: removed})
}

func (h *handler) handleInvalidateHost(w http.ResponseWriter, r *http.Request) {
	prefix := strings.ToLower(chi.URLParam(r, "host"))
	if prefix == "" {
		writeError(w, http.StatusBadRequest, "host prefix is required")
		return
	}
	removed := h.cache.InvalidateMatching(func(summary cache.Summary) bool {
		return strings.HasPrefix(hostOf(summary.URL), prefix)
	})
	h.metrics.RecordInvalidation("host", removed)
	h.log.Debug().Str("host", prefix).Int("removed", removed).Msg("host entries invalidated")
	writeJSON(w, http.StatusOK, removedResponse{Removed: removed})
}

func (h *handler) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	removed := h.cache.InvalidateAll()
	h.metrics.RecordInvalidation("all", removed)
	h.log.Info().Int("removed", removed).Msg("cache cleared")
	writeJSON(w, http.StatusOK, removedResponse{Removed: removed})
}

func (h *handler) handleGetRouter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tableJSON(h.router.Get()))
}

func (h *handler) handleReplaceRouter(w http.ResponseWriter, r *http.Request) {
	var body tableBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	fallback, err := h.resolveFallback(body.FallBackEndpoint)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	endpoints := make([]router.Endpoint, 0, len(body.Endpoints))
	for i, endpoint := range body.Endpoints {
		if endpoint.Host == "" {
			writeError(w, http.StatusBadRequest, "endpoints["+strconv.Itoa(i)+"]: host is required")
			return
		}
		origin, err := router.ParseOrigin(endpoint.Origin)
		if err != nil {
			writeError(w, http.StatusBadRequest, "endpoints["+strconv.Itoa(i)+"]: "+err.Error())
			return
		}
		endpoints = append(endpoints, router.Endpoint{Host: endpoint.Host, Origin: origin})
	}

	previous := h.router.Swap(router.NewTable(endpoints, fallback))
	h.metrics.RecordRouterReplace()
	h.log.Info().Int("endpoints", len(endpoints)).Msg("routing table replaced")
	writeJSON(w, http.StatusOK, tableJSON(previous))
}

func (h *handler) handleReplaceFallback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Origin string `json:"origin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	fallback, err := router.ParseOrigin(body.Origin)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	previous := h.router.SetFallback(fallback)
	h.metrics.RecordRouterReplace()
	h.log.Info().Str("origin", fallback.String()).Msg("fallback origin replaced")
	previousText := ""
	if previous != nil {
		previousText = previous.String()
	}
	writeJSON(w, http.StatusOK, map[string]string{"previous": previousText})
}

// resolveFallback keeps the current fallback when the replacement table does
// not name one.
func (h *handler) resolveFallback(raw string) (*url.URL, error) {
	if raw != "" {
		return router.ParseOrigin(raw)
	}
	if current := h.router.Get(); current != nil && current.Fallback() != nil {
		return current.Fallback(), nil
	}
	return nil, errors.New("fall_back_endpoint is required")
}

func fingerprintFromQuery(r *http.Request) (key.Fingerprint, error) {
	resource, err := resourceFromQuery(r)
	if err != nil {
		return key.Fingerprint{}, err
	}
	variant, err := parseKey(r.URL.Query().Get("variant"), "variant")
	if err != nil {
		return key.Fingerprint{}, err
	}
	return key.Fingerprint{Resource: resource, Variant: variant}, nil
}

// resourceFromQuery accepts either the numeric resource key or a method+url
// pair that it hashes the same way the pipeline does.
func resourceFromQuery(r *http.Request) (uint64, error) {
	query := r.URL.Query()
	if raw := query.Get("resource"); raw != "" {
		return parseKey(raw, "resource")
	}
	rawURL := query.Get("url")
	if rawURL == "" {
		return 0, errors.New("resource or url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0, errors.New("url must be absolute")
	}
	method := strings.ToUpper(query.Get("method"))
	if method == "" {
		method = http.MethodGet
	}
	return key.ResourceKey(method, key.NormalizeURL(parsed.Host, parsed)), nil
}

func parseKey(raw string, name string) (uint64, error) {
	if raw == "" {
		return 0, errors.New(name + " is required")
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New(name + " must be an unsigned decimal key")
	}
	return value, nil
}

func summarize(summary cache.Summary) entrySummary {
	return entrySummary{
		Resource:   strconv.FormatUint(summary.Fingerprint.Resource, 10),
		Variant:    strconv.FormatUint(summary.Fingerprint.Variant, 10),
		Method:     summary.Method,
		URL:        summary.URL,
		Status:     summary.Status,
		ETag:       summary.ETag,
		Vary:       summary.VaryNames,
		MaxAge:     summary.MaxAge,
		Weight:     summary.Weight,
		StoredAt:   summary.StoredAt,
		LastAccess: summary.LastAccess,
	}
}

// hostOf extracts the host from a normalized URL (host/path?query form).
func hostOf(normalized string) string {
	if slash := strings.IndexByte(normalized, '/'); slash >= 0 {
		return normalized[:slash]
	}
	return normalized
}

func tableJSON(table *router.Table) tableBody {
	body := tableBody{Endpoints: []tableEndpoint{}}
	if table == nil {
		return body
	}
	for _, endpoint := range table.Endpoints() {
		body.Endpoints = append(body.Endpoints, tableEndpoint{
			Host:   endpoint.Host,
			Origin: endpoint.Origin.String(),
		})
	}
	if fallback := table.Fallback(); fallback != nil {
		body.FallBackEndpoint = fallback.String()
	}
	return body
}
