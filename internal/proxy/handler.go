package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mnemosyne/internal/cache"
	"mnemosyne/internal/key"
	"mnemosyne/internal/obs"
	"mnemosyne/internal/router"
	"mnemosyne/internal/upstream"
)

const DefaultCoalesceWait = 5 * time.Second

// cacheableStatuses are the response codes eligible for storage.
var cacheableStatuses = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:            true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusNotFound:             true,
	http.StatusGone:                 true,
}

// Handler is the proxy pipeline: lookup, conditional response, backend
// fetch, cacheability filter, insert. All durable state lives in the cache
// store and the router store.
type Handler struct {
	Router       *router.Store
	Cache        *cache.Store
	Coalescer    *cache.Coalescer
	Upstream     *upstream.Client
	Metrics      *obs.Metrics
	Log          zerolog.Logger
	CoalesceWait time.Duration
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Router == nil || h.Cache == nil || h.Upstream == nil {
		http.Error(w, "proxy not ready", http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = NewRequestID()
	}
	recorder := NewResponseRecorder(w)
	recorder.Header().Set(RequestIDHeader, requestID)

	// one table snapshot for the whole request
	table := h.Router.Get()
	if table == nil {
		WriteError(recorder, requestID, http.StatusServiceUnavailable, "router_missing", "no routing table")
		h.finish(recorder, r, start, requestID, "bypass", nil)
		return
	}
	origin := table.Resolve(r.Host)
	if origin == nil {
		WriteError(recorder, requestID, http.StatusBadGateway, "no_origin", "no origin configured")
		h.finish(recorder, r, start, requestID, "bypass", nil)
		return
	}

	if !isSafeMethod(r.Method) {
		h.forwardVerbatim(recorder, r, origin, requestID, "unsafe_method")
		h.finish(recorder, r, start, requestID, "bypass", origin)
		return
	}

	normalized := key.NormalizeURL(r.Host, r.URL)
	rk := key.ResourceKey(r.Method, normalized)

	if status, served := h.serveFromCache(recorder, r, rk, normalized); served {
		h.finish(recorder, r, start, requestID, status, origin)
		return
	}

	if h.Coalescer != nil {
		flight, leader, coalesced := h.Coalescer.Start(rk)
		if coalesced && !leader {
			ok, finished := h.Coalescer.Wait(flight, h.coalesceWait())
			if finished && ok {
				if status, served := h.serveFromCache(recorder, r, rk, normalized); served {
					h.finish(recorder, r, start, requestID, status, origin)
					return
				}
			}
			if !finished {
				h.Metrics.RecordCoalesceBreakaway()
			}
			cacheStatus := h.fetch(recorder, r, origin, rk, normalized, nil, requestID)
			h.finish(recorder, r, start, requestID, cacheStatus, origin)
			return
		}
		if coalesced && leader {
			cacheStatus := h.fetch(recorder, r, origin, rk, normalized, flight, requestID)
			h.finish(recorder, r, start, requestID, cacheStatus, origin)
			return
		}
	}

	cacheStatus := h.fetch(recorder, r, origin, rk, normalized, nil, requestID)
	h.finish(recorder, r, start, requestID, cacheStatus, origin)
}

// serveFromCache probes every stored variant of the resource with that
// variant's own Vary names. Returns the cache status and whether a response
// was written.
func (h *Handler) serveFromCache(w *ResponseRecorder, r *http.Request, rk uint64, normalized string) (string, bool) {
	for _, variant := range h.Cache.Variants(rk) {
		// hash collision guard: the stored identity must match byte-for-byte
		if variant.Method != r.Method || variant.URL != normalized {
			continue
		}
		if key.VariantKey(r.Header, variant.VaryNames) != variant.Key {
			continue
		}
		entry, ok := h.Cache.Get(key.Fingerprint{Resource: rk, Variant: variant.Key})
		if !ok {
			// evicted between index read and fetch; a miss, not an error
			continue
		}
		return h.serveHit(w, r, entry), true
	}
	return "", false
}

func (h *Handler) serveHit(w *ResponseRecorder, r *http.Request, entry cache.Entry) string {
	if inm := r.Header.Get("If-None-Match"); inm != "" && ETagMatches(inm, entry.ETag) {
		w.Header().Set("Etag", entry.ETag)
		if cc := entry.Header.Get("Cache-Control"); cc != "" {
			w.Header().Set("Cache-Control", cc)
		}
		w.WriteHeader(http.StatusNotModified)
		return "revalidated"
	}

	copyHeaders(w.Header(), entry.Header)
	w.Header().Set("Etag", entry.ETag)
	w.Header().Set("Age", strconv.FormatInt(int64(time.Since(entry.StoredAt).Seconds()), 10))
	if r.Method != http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	}
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Body)
	}
	return "hit"
}

// fetch forwards the request, filters the response against its cache
// directives, stores it when allowed, and serves the client from the same
// bytes. Returns the cache status for the access log.
func (h *Handler) fetch(w *ResponseRecorder, r *http.Request, origin *url.URL, rk uint64, normalized string, flight *cache.Flight, requestID string) string {
	finishFlight := func(ok bool, err error) {
		if flight != nil {
			h.Coalescer.Finish(rk, flight, ok, err)
		}
	}

	reqHeader := r.Header.Clone()
	StripHopByHop(r.Header)

	roundTripStart := time.Now()
	resp, cancel, err := h.Upstream.Forward(r.Context(), r, origin)
	h.Metrics.ObserveUpstreamRoundTrip(time.Since(roundTripStart))
	if err != nil {
		finishFlight(false, err)
		h.writeBackendError(w, r, requestID, err)
		return "bypass"
	}
	defer cancel()
	defer resp.Body.Close()

	StripHopByHop(resp.Header)

	reason, maxAge, varyNames := cacheability(resp)
	if reason != "" {
		finishFlight(false, nil)
		h.Metrics.RecordCacheBypass(reason)
		h.stream(w, r, resp)
		return "bypass"
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		finishFlight(false, err)
		h.Metrics.RecordUpstreamError("backend_body")
		if !w.WroteHeader() {
			WriteError(w, requestID, http.StatusBadGateway, "backend_body", "reading backend response failed")
		}
		return "bypass"
	}

	etag := strings.TrimSpace(resp.Header.Get("Etag"))
	if etag == "" {
		etag = key.SynthesizeETag(body)
	}

	vk := key.VariantKey(reqHeader, varyNames)
	fp := key.Fingerprint{Resource: rk, Variant: vk}
	entry := cache.Entry{
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      body,
		ETag:      etag,
		VaryNames: varyNames,
		MaxAge:    maxAge,
		Method:    r.Method,
		URL:       normalized,
		StoredAt:  time.Now(),
	}

	stored := true
	if err := h.Cache.Put(fp, entry); err != nil {
		stored = false
		h.Metrics.RecordCacheStoreFail()
		h.Log.Warn().Err(err).Str("url", normalized).Msg("cache store failed, serving uncached")
	}
	finishFlight(stored, nil)

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Etag", etag)
	if r.Method != http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
	return "miss"
}

// forwardVerbatim proxies a request that can never interact with the cache.
func (h *Handler) forwardVerbatim(w *ResponseRecorder, r *http.Request, origin *url.URL, requestID string, reason string) {
	StripHopByHop(r.Header)
	resp, cancel, err := h.Upstream.Forward(r.Context(), r, origin)
	if err != nil {
		h.writeBackendError(w, r, requestID, err)
		return
	}
	defer cancel()
	defer resp.Body.Close()
	StripHopByHop(resp.Header)
	h.Metrics.RecordCacheBypass(reason)
	h.stream(w, r, resp)
}

func (h *Handler) stream(w *ResponseRecorder, r *http.Request, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.Log.Debug().Err(err).Msg("response stream interrupted")
	}
}

func (h *Handler) writeBackendError(w *ResponseRecorder, r *http.Request, requestID string, err error) {
	if errors.Is(r.Context().Err(), context.Canceled) {
		// client went away; nothing to write
		w.SetErrorCategory("client_canceled")
		return
	}
	category := "backend_unreachable"
	if errors.Is(err, upstream.ErrBackendTimeout) {
		category = "backend_timeout"
	}
	h.Metrics.RecordUpstreamError(category)
	WriteError(w, requestID, http.StatusBadGateway, category, "backend fetch failed")
}

// cacheability decides whether the response may be stored. A non-empty
// reason means bypass; otherwise maxAge and the Vary names describe the
// entry to build.
func cacheability(resp *http.Response) (string, int, []string) {
	if !cacheableStatuses[resp.StatusCode] {
		return "status", 0, nil
	}
	cc := ParseCacheControl(resp.Header.Values("Cache-Control"))
	if cc.NoStore() {
		return "no_store", 0, nil
	}
	if cc.Private() {
		return "private", 0, nil
	}
	varyNames, wildcard := ParseVary(resp.Header)
	if wildcard {
		return "vary_wildcard", 0, nil
	}
	maxAge, ok := cc.MaxAge()
	if !ok {
		expires := resp.Header.Get("Expires")
		if expires == "" {
			return "no_lifetime", 0, nil
		}
		when, err := http.ParseTime(expires)
		if err != nil || !when.After(time.Now()) {
			return "stale_expires", 0, nil
		}
		maxAge = int(time.Until(when).Seconds())
	}
	return "", maxAge, varyNames
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func (h *Handler) coalesceWait() time.Duration {
	if h.CoalesceWait > 0 {
		return h.CoalesceWait
	}
	return DefaultCoalesceWait
}

func (h *Handler) finish(recorder *ResponseRecorder, r *http.Request, start time.Time, requestID string, cacheStatus string, origin *url.URL) {
	h.Metrics.ObserveRequest(recorder.Status(), cacheStatus, time.Since(start))
	originText := ""
	if origin != nil {
		originText = origin.String()
	}
	obs.LogAccess(h.Log, obs.AccessEvent{
		RequestID:     requestID,
		Method:        r.Method,
		Host:          r.Host,
		Path:          r.URL.Path,
		Status:        recorder.Status(),
		CacheStatus:   cacheStatus,
		Origin:        originText,
		ErrorCategory: recorder.ErrorCategory(),
		BytesOut:      recorder.BytesWritten(),
		Duration:      time.Since(start),
	})
}
