package testutil

import (
	"testing"
	"time"
)

// Eventually polls fn until it returns nil or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, interval time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		if lastErr = fn(); lastErr == nil {
			return
		}
		time.Sleep(interval)
	}

	t.Fatalf("condition not met before timeout: %v", lastErr)
}
