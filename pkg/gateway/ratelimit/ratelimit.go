// Package ratelimit throttles incoming call webhooks per caller number.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*callerLimiter
}

type callerLimiter struct {
	mu       sync.Mutex
	tb       tokenBucket
	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*callerLimiter),
	}
}

// CallerKey hashes a phone number so raw numbers are not held in memory
// longer than the request.
func CallerKey(number string) string {
	if number == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(number))
	return "c_" + hex.EncodeToString(sum[:16])
}

type Decision struct {
	Allowed    bool
	RetryAfter int
}

// Enabled reports whether the limiter would ever deny.
func (l *Limiter) Enabled() bool {
	return l != nil && l.cfg.RPS > 0 && l.cfg.Burst > 0
}

func (l *Limiter) Allow(caller string, now time.Time) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true}
	}
	if caller == "" {
		caller = "anonymous"
	}

	cl := l.getOrCreate(caller, now)
	ok, retryAfter := cl.allowToken(now, l.cfg.RPS, l.cfg.Burst)
	return Decision{Allowed: ok, RetryAfter: retryAfter}
}

func (l *Limiter) getOrCreate(caller string, now time.Time) *callerLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if cl, ok := l.m[caller]; ok {
		return cl
	}
	cl := &callerLimiter{lastSeen: now}
	l.m[caller] = cl
	return cl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		v.mu.Lock()
		stale := now.Sub(v.lastSeen) > ttl
		v.mu.Unlock()
		if stale {
			delete(l.m, k)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (cl *callerLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.lastSeen = now
	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+(elapsed*cl.tb.rps))
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - cl.tb.tokens
	retryAfter := int(math.Ceil(needed / cl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
