package controlplane

import (
	"testing"
	"time"
)

func TestTokenBucketBurstThenThrottle(t *testing.T) {
	b := newTokenBucket(10)

	allowed := 0
	for i := 0; i < 20; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed < 9 || allowed > 11 {
		t.Errorf("expected roughly one second's burst (~10) to be allowed immediately, got %d", allowed)
	}
}

func TestPeerLimitersIsolatesPeers(t *testing.T) {
	p := newPeerLimiters(1)

	if !p.Allow("peer-a") {
		t.Error("first request from peer-a should be allowed")
	}
	if !p.Allow("peer-b") {
		t.Error("peer-b's bucket should be independent of peer-a's")
	}
	if p.Allow("peer-a") {
		t.Error("peer-a's second immediate request should be throttled at rate 1/s")
	}
}

func TestPeerLimitersEvictsStaleBuckets(t *testing.T) {
	p := newPeerLimiters(5)
	p.Allow("peer-a")
	p.touched["peer-a"] = p.touched["peer-a"].Add(-time.Hour)

	p.mu.Lock()
	p.evictStale()
	_, stillPresent := p.buckets["peer-a"]
	p.mu.Unlock()

	if stillPresent {
		t.Error("expected a long-idle peer's bucket to be evicted")
	}
}
