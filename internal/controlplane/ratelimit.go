package controlplane

import (
	"sync"
	"time"
)

// tokenBucket is a small per-peer rate limiter: ~10 requests/second
// with a burst equal to one second's worth, per spec §4.12. None of
// the pack's example repos carry a rate-limiting dependency (the
// closest, golang.org/x/time/rate, isn't in any go.mod in the
// pack) and the mechanism is a dozen lines, so it's hand-rolled here
// rather than reaching for a library the corpus never demonstrates.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(ratePerSecond float64) *tokenBucket {
	return &tokenBucket{tokens: ratePerSecond, capacity: ratePerSecond, rate: ratePerSecond, last: time.Now()}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// peerLimiters tracks one tokenBucket per remote peer identity,
// pruning entries that haven't been touched recently so a churning
// set of client certificates doesn't leak memory over a long-lived
// node agent process.
type peerLimiters struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	touched  map[string]time.Time
	rate     float64
}

func newPeerLimiters(ratePerSecond float64) *peerLimiters {
	return &peerLimiters{buckets: map[string]*tokenBucket{}, touched: map[string]time.Time{}, rate: ratePerSecond}
}

func (p *peerLimiters) Allow(peer string) bool {
	p.mu.Lock()
	b, ok := p.buckets[peer]
	if !ok {
		b = newTokenBucket(p.rate)
		p.buckets[peer] = b
	}
	p.touched[peer] = time.Now()
	if len(p.buckets) > 4096 {
		p.evictStale()
	}
	p.mu.Unlock()
	return b.Allow()
}

func (p *peerLimiters) evictStale() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for peer, t := range p.touched {
		if t.Before(cutoff) {
			delete(p.buckets, peer)
			delete(p.touched, peer)
		}
	}
}
