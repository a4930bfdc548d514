package testutil

import (
	"testing"
	"time"
)

const (
	// MaxFuzzFrame bounds fuzz inputs fed to decoders.
	MaxFuzzFrame = 1 << 16
	// FuzzDeadline is how long one decode may take before it counts as a hang.
	FuzzDeadline = 200 * time.Millisecond
)

// Truncate caps b at max bytes; max <= 0 leaves b alone.
func Truncate(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}

// Within fails t when fn does not return inside d.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzDeadline
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("did not return within %s", d)
	}
}
