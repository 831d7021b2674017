package integration

import (
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"mnemosyne/internal/key"
	"mnemosyne/internal/testutil"
)

func startBackend(t *testing.T, handler http.HandlerFunc) (string, *int32) {
	t.Helper()
	var hits int32
	return testutil.StartCountingUpstream(t, &hits, handler), &hits
}

// S1: a cacheable response is stored, decorated with a synthesized ETag, and
// the second identical request never reaches the backend.
func TestCacheMissThenHit(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("hello"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	wantETag := key.SynthesizeETag([]byte("hello"))

	resp, body := h.send(t, http.MethodGet, "a", "/", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if etag := resp.Header.Get("Etag"); etag != wantETag {
		t.Fatalf("etag %q, want %q", etag, wantETag)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content-type lost: %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "max-age=60" {
		t.Fatalf("cache-control lost: %q", cc)
	}

	resp, body = h.send(t, http.MethodGet, "a", "/", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Fatalf("unexpected cached response %d %q", resp.StatusCode, body)
	}
	if etag := resp.Header.Get("Etag"); etag != wantETag {
		t.Fatalf("cached etag %q, want %q", etag, wantETag)
	}
	if count := atomic.LoadInt32(hits); count != 1 {
		t.Fatalf("backend hit %d times, want 1", count)
	}
	stats := h.Cache.Stats()
	if stats.EntryCount != 1 {
		t.Fatalf("expected 1 entry, got %d", stats.EntryCount)
	}
}

// S2: replaying the ETag in If-None-Match yields 304 with no body.
func TestConditionalRevalidation(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("hello"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	resp, _ := h.send(t, http.MethodGet, "a", "/", nil)
	etag := resp.Header.Get("Etag")
	if etag == "" {
		t.Fatalf("first response must carry an etag")
	}

	resp, body := h.send(t, http.MethodGet, "a", "/", http.Header{"If-None-Match": {etag}})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}
	if len(body) != 0 {
		t.Fatalf("304 must have no body, got %q", body)
	}
	if got := resp.Header.Get("Etag"); got != etag {
		t.Fatalf("304 must echo the etag, got %q", got)
	}
	if count := atomic.LoadInt32(hits); count != 1 {
		t.Fatalf("revalidation must not consult the backend, hits=%d", count)
	}

	// a non-matching tag gets the full entry
	resp, body = h.send(t, http.MethodGet, "a", "/", http.Header{"If-None-Match": {`"stale"`}})
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Fatalf("non-matching tag should serve the body, got %d %q", resp.StatusCode, body)
	}
}

// S3: Vary: Accept-Language produces one entry per projected value under the
// same resource key.
func TestVaryCreatesDistinctVariants(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Vary", "Accept-Language")
		_, _ = w.Write([]byte("lang:" + r.Header.Get("Accept-Language")))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	resp, body := h.send(t, http.MethodGet, "a", "/x", http.Header{"Accept-Language": {"en"}})
	if resp.StatusCode != http.StatusOK || string(body) != "lang:en" {
		t.Fatalf("unexpected en response %d %q", resp.StatusCode, body)
	}
	resp, body = h.send(t, http.MethodGet, "a", "/x", http.Header{"Accept-Language": {"fr"}})
	if resp.StatusCode != http.StatusOK || string(body) != "lang:fr" {
		t.Fatalf("unexpected fr response %d %q", resp.StatusCode, body)
	}
	if count := h.Cache.Stats().EntryCount; count != 2 {
		t.Fatalf("expected 2 variants, got %d", count)
	}

	// both variants now serve from cache
	_, body = h.send(t, http.MethodGet, "a", "/x", http.Header{"Accept-Language": {"en"}})
	if string(body) != "lang:en" {
		t.Fatalf("wrong variant served: %q", body)
	}
	_, body = h.send(t, http.MethodGet, "a", "/x", http.Header{"Accept-Language": {"fr"}})
	if string(body) != "lang:fr" {
		t.Fatalf("wrong variant served: %q", body)
	}
	if count := atomic.LoadInt32(hits); count != 2 {
		t.Fatalf("backend hit %d times, want 2", count)
	}
}

// S4: no-store responses are proxied but never written to the cache.
func TestNoStoreBypassesCache(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("secret"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	for i := 0; i < 2; i++ {
		resp, body := h.send(t, http.MethodGet, "a", "/", nil)
		if resp.StatusCode != http.StatusOK || string(body) != "secret" {
			t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
		}
	}
	if count := h.Cache.Stats().EntryCount; count != 0 {
		t.Fatalf("no-store response was cached: %d entries", count)
	}
	if count := atomic.LoadInt32(hits); count != 2 {
		t.Fatalf("both requests must reach the backend, hits=%d", count)
	}
}

func TestPrivateAndVaryWildcardBypass(t *testing.T) {
	responses := []http.Header{
		{"Cache-Control": {"private, max-age=60"}},
		{"Cache-Control": {"max-age=60"}, "Vary": {"*"}},
		{}, // no lifetime information at all
	}
	var index int32
	backend, _ := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		header := responses[atomic.AddInt32(&index, 1)-1]
		for name, values := range header {
			for _, value := range values {
				w.Header().Add(name, value)
			}
		}
		_, _ = w.Write([]byte("x"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	for i := range responses {
		resp, _ := h.send(t, http.MethodGet, "a", "/", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("response %d: status %d", i, resp.StatusCode)
		}
	}
	if count := h.Cache.Stats().EntryCount; count != 0 {
		t.Fatalf("uncacheable responses stored: %d entries", count)
	}
}

func TestExpiresGrantsLifetime(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		_, _ = w.Write([]byte("dated"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	h.send(t, http.MethodGet, "a", "/", nil)
	_, body := h.send(t, http.MethodGet, "a", "/", nil)
	if string(body) != "dated" {
		t.Fatalf("unexpected body %q", body)
	}
	if count := atomic.LoadInt32(hits); count != 1 {
		t.Fatalf("Expires should make the response cacheable, hits=%d", count)
	}
}

func TestUncacheableStatusBypasses(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	for i := 0; i < 2; i++ {
		resp, _ := h.send(t, http.MethodGet, "a", "/", nil)
		if resp.StatusCode != http.StatusTeapot {
			t.Fatalf("status %d not proxied", resp.StatusCode)
		}
	}
	if count := atomic.LoadInt32(hits); count != 2 {
		t.Fatalf("418 must not be cached, hits=%d", count)
	}
}

func TestNotFoundIsCacheable(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	h.send(t, http.MethodGet, "a", "/missing", nil)
	resp, body := h.send(t, http.MethodGet, "a", "/missing", nil)
	if resp.StatusCode != http.StatusNotFound || string(body) != "nope" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if count := atomic.LoadInt32(hits); count != 1 {
		t.Fatalf("404 should be served from cache, hits=%d", count)
	}
}

func TestUpstreamETagAdopted(t *testing.T) {
	backend, _ := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Etag", `"origin-tag"`)
		_, _ = w.Write([]byte("body"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	resp, _ := h.send(t, http.MethodGet, "a", "/", nil)
	if etag := resp.Header.Get("Etag"); etag != `"origin-tag"` {
		t.Fatalf("upstream etag must be forwarded unchanged, got %q", etag)
	}
	resp, body := h.send(t, http.MethodGet, "a", "/", http.Header{"If-None-Match": {`"origin-tag"`}})
	if resp.StatusCode != http.StatusNotModified || len(body) != 0 {
		t.Fatalf("expected 304 for upstream etag, got %d %q", resp.StatusCode, body)
	}
}

func TestUnsafeMethodBypasses(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("posted"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	for i := 0; i < 2; i++ {
		resp, body := h.send(t, http.MethodPost, "a", "/", nil)
		if resp.StatusCode != http.StatusOK || string(body) != "posted" {
			t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
		}
	}
	if count := atomic.LoadInt32(hits); count != 2 {
		t.Fatalf("POST must always reach the backend, hits=%d", count)
	}
	if count := h.Cache.Stats().EntryCount; count != 0 {
		t.Fatalf("POST responses must not be cached")
	}
}

func TestBackendUnreachableReturns502(t *testing.T) {
	h := startHarness(t, harnessOptions{table: map[string]string{"a": "http://127.0.0.1:1"}})

	resp, _ := h.send(t, http.MethodGet, "a", "/", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if count := h.Cache.Stats().EntryCount; count != 0 {
		t.Fatalf("failures must not be cached")
	}
}

func TestUnknownHostUsesFallback(t *testing.T) {
	backend, _ := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fallback"))
	})
	h := startHarness(t, harnessOptions{
		table:    map[string]string{"a": "http://127.0.0.1:1"},
		fallback: backend,
	})

	resp, body := h.send(t, http.MethodGet, "unknown.example", "/", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "fallback" {
		t.Fatalf("fallback origin not used: %d %q", resp.StatusCode, body)
	}
}

// two concurrent misses for the same resource coalesce into one backend
// fetch; the follower serves the leader's committed entry
func TestConcurrentMissesCoalesce(t *testing.T) {
	release := make(chan struct{})
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("shared"))
	})
	h := startHarness(t, harnessOptions{table: map[string]string{"a": backend}})

	results := make(chan string, 2)
	request := func() {
		_, body := h.send(t, http.MethodGet, "a", "/hot", nil)
		results <- string(body)
	}

	go request()
	time.Sleep(100 * time.Millisecond) // leader is now parked in the backend
	go request()
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if body := <-results; body != "shared" {
			t.Fatalf("unexpected body %q", body)
		}
	}
	if count := atomic.LoadInt32(hits); count != 1 {
		t.Fatalf("coalesced misses should fetch once, hits=%d", count)
	}
}

func TestIdleEntryRefetched(t *testing.T) {
	backend, hits := startBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write([]byte("fresh"))
	})
	h := startHarness(t, harnessOptions{
		table:   map[string]string{"a": backend},
		idleTTL: 50 * time.Millisecond,
	})

	h.send(t, http.MethodGet, "a", "/", nil)
	time.Sleep(80 * time.Millisecond)
	h.send(t, http.MethodGet, "a", "/", nil)
	if count := atomic.LoadInt32(hits); count != 2 {
		t.Fatalf("idle-expired entry must be refetched, hits=%d", count)
	}
}
