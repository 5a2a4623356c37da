package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a rate of N tokens/sec refills exactly
// N nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket caps the inbound frame rate of a single signaling connection.
// It refills at an integer rate from an injectable Clock, and all arithmetic
// is fixed-point nano-tokens, so tests with a fake clock are exact and there
// is no float drift on long-lived connections.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}

	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes tokens if that many are available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}

	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capacityNano := toNano(b.capacity)
	if b.available >= capacityNano {
		b.available = capacityNano
		return
	}

	need := capacityNano - b.available
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos <= 0 {
		return
	}

	// rate is tokens/sec, which is nano-tokens/ns in this representation.
	// Clamp before multiplying so elapsedNanos*rate cannot overflow.
	nanosToFill := need / b.rate
	if nanosToFill <= 0 || elapsedNanos >= nanosToFill {
		b.available = capacityNano
		return
	}

	b.available += elapsedNanos * b.rate
	if b.available > capacityNano {
		b.available = capacityNano
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
