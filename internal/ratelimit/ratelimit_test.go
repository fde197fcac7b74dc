package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}

	// Next request should be denied (bucket empty)
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	// Wait and check if tokens are refilled
	time.Sleep(1100 * time.Millisecond) // Wait slightly more than 1 second

	// Should have 2 tokens available now
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}

	// Third request should be denied
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestConnLimiterPerClient(t *testing.T) {
	l := NewConnLimiter(0, 2, 3) // global disabled; per-client 2/s, burst 3

	client := "198.51.100.7"
	for i := 0; i < 3; i++ {
		if !l.Allow(client) {
			t.Errorf("Expected connection %d to be allowed for %s", i, client)
		}
	}
	if l.Allow(client) {
		t.Error("Expected connection to be denied past the per-client burst")
	}

	// A different client has its own bucket.
	if !l.Allow("198.51.100.8") {
		t.Error("Expected connection to be allowed for a different client")
	}
}

func TestConnLimiterGlobal(t *testing.T) {
	l := NewConnLimiter(2, 0, 2) // global 2/s, per-client disabled, burst 2

	if !l.Allow("a") {
		t.Error("Expected first global connection to be allowed")
	}
	if !l.Allow("b") {
		t.Error("Expected second global connection to be allowed")
	}
	if l.Allow("a") {
		t.Error("Expected connection to be denied past the global burst")
	}
}

func TestConnLimiterDisabled(t *testing.T) {
	l := NewConnLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		if !l.Allow("anyone") {
			t.Errorf("Expected connection %d to be allowed with limits disabled", i)
		}
	}
}

func TestConnLimiterPrune(t *testing.T) {
	l := NewConnLimiter(0, 100, 1)

	l.Allow("gone")
	// The bucket refills within ~10ms at rate 100/s; after that Prune must
	// drop it.
	time.Sleep(50 * time.Millisecond)
	l.Prune()

	l.mu.Lock()
	_, exists := l.perClient["gone"]
	l.mu.Unlock()
	if exists {
		t.Error("Expected refilled client bucket to be pruned")
	}
}
