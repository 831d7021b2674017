package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mnemosyne/internal/admin"
	"mnemosyne/internal/cache"
	"mnemosyne/internal/obs"
	"mnemosyne/internal/proxy"
	"mnemosyne/internal/router"
	"mnemosyne/internal/upstream"
)

type harness struct {
	Proxy     *httptest.Server
	Cache     *cache.Store
	Router    *router.Store
	Client    *http.Client
	Upstream  *upstream.Client
	Coalescer *cache.Coalescer
}

type harnessOptions struct {
	maxBytes int64
	idleTTL  time.Duration
	table    map[string]string
	fallback string
}

func startHarness(t *testing.T, options harnessOptions) *harness {
	t.Helper()

	maxBytes := options.maxBytes
	if maxBytes == 0 {
		maxBytes = 32 * 1024 * 1024
	}
	idleTTL := options.idleTTL
	if idleTTL == 0 {
		idleTTL = time.Minute
	}
	fallback := options.fallback
	if fallback == "" {
		fallback = "http://127.0.0.1:1"
	}

	endpoints := make([]router.Endpoint, 0, len(options.table))
	for host, origin := range options.table {
		endpoints = append(endpoints, router.Endpoint{Host: host, Origin: mustOrigin(t, origin)})
	}
	routerStore := router.NewStore(router.NewTable(endpoints, mustOrigin(t, fallback)))

	logger := zerolog.Nop()
	cacheStore := cache.NewStore(maxBytes, idleTTL, logger)
	t.Cleanup(cacheStore.Close)
	coalescer := cache.NewCoalescer(cache.DefaultMaxFlights)
	client := upstream.NewClient(upstream.Config{
		DialTimeout:    500 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, logger)
	t.Cleanup(client.CloseIdle)
	metrics := obs.NewMetrics(cacheStore.Stats)

	proxyHandler := &proxy.Handler{
		Router:    routerStore,
		Cache:     cacheStore,
		Coalescer: coalescer,
		Upstream:  client,
		Metrics:   metrics,
		Log:       logger,
	}
	adminHandler := admin.NewHandler(admin.HandlerConfig{
		Cache:   cacheStore,
		Router:  routerStore,
		Metrics: metrics,
		Logger:  logger,
	})

	mux := http.NewServeMux()
	mux.Handle(admin.PathPrefix+"/", adminHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", proxyHandler)

	proxyServer := httptest.NewServer(mux)
	t.Cleanup(proxyServer.Close)

	return &harness{
		Proxy:     proxyServer,
		Cache:     cacheStore,
		Router:    routerStore,
		Client:    &http.Client{Timeout: 5 * time.Second},
		Upstream:  client,
		Coalescer: coalescer,
	}
}

func mustOrigin(t *testing.T, raw string) *url.URL {
	t.Helper()
	origin, err := router.ParseOrigin(raw)
	if err != nil {
		t.Fatalf("parse origin %q: %v", raw, err)
	}
	return origin
}

// send issues a request through the proxy with a spoofed Host header.
func (h *harness) send(t *testing.T, method string, host string, path string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.Proxy.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = host
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func (h *harness) adminDo(t *testing.T, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.Proxy.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		t.Fatalf("admin request: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, payload
}
