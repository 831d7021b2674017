package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// StartUpstream runs a backend for the proxy to talk to and returns its base
// URL. The server is closed automatically at the end of the test.
func StartUpstream(t *testing.T, handler http.Handler) string {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server.URL
}

// StartCountingUpstream wraps StartUpstream with a hit counter the test
// reads through sync/atomic.
func StartCountingUpstream(t *testing.T, hits *int32, handler http.HandlerFunc) string {
	t.Helper()
	return StartUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		handler(w, r)
	}))
}
