package broker

import (
	"sync"
	"time"
)

// Limiter is a token-bucket limiter used to pace order submissions and
// updates so the broker's per-minute request allowance is respected.
type Limiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewLimiter returns a limiter allowing roughly rps requests per second.
func NewLimiter(rps int) *Limiter {
	if rps <= 0 {
		rps = 1
	}
	return &Limiter{
		tokens:     rps,
		maxTokens:  rps,
		refillRate: time.Second / time.Duration(rps),
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill)
	tokensToAdd := int(elapsed / l.refillRate)

	if tokensToAdd > 0 {
		l.tokens = min(l.maxTokens, l.tokens+tokensToAdd)
		l.lastRefill = now
	}

	if l.tokens > 0 {
		l.tokens--
		return true
	}

	return false
}

// Wait blocks until a token is available. This is the yield point between
// ladder submissions and bulk updates.
func (l *Limiter) Wait() {
	for !l.Allow() {
		time.Sleep(l.refillRate)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
