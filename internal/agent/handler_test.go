package agent

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("Expected request %d to be allowed", i+1)
		}
	}
	if rl.Allow("u1") {
		t.Error("Expected request over limit to be denied")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Minute)

	if !rl.Allow("u1") {
		t.Fatal("Expected first request allowed")
	}
	if !rl.Allow("u2") {
		t.Error("Expected different user unaffected")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 30*time.Millisecond)

	if !rl.Allow("u1") {
		t.Fatal("Expected first request allowed")
	}
	if rl.Allow("u1") {
		t.Fatal("Expected second request denied")
	}

	time.Sleep(50 * time.Millisecond)
	if !rl.Allow("u1") {
		t.Error("Expected request allowed after window elapsed")
	}
}
