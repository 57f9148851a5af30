// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_ratelimit

import (
	"sync"
	"time"

	"github.com/medicamovil/pkg/commons"
)

// Operation identifies a rate-limited call operation.
type Operation string

const (
	OpStartCall  Operation = "start_call"
	OpAnswerCall Operation = "answer_call"
	OpSignal     Operation = "signal"
)

// Limit is the window policy for one operation.
type Limit struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultLimits returns the per-operation policies. start_call is the
// tightest: creating sessions is the expensive path.
func DefaultLimits() map[Operation]Limit {
	return map[Operation]Limit{
		OpStartCall:  {MaxAttempts: 5, Window: time.Minute},
		OpAnswerCall: {MaxAttempts: 10, Window: time.Minute},
		OpSignal:     {MaxAttempts: 100, Window: time.Minute},
	}
}

const (
	bucketIdleEviction = 5 * time.Minute
	sweepInterval      = time.Minute
)

type bucketKey struct {
	userID    string
	operation Operation
}

type bucket struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// RateLimiter admits or denies operations per (user, operation) with a
// sliding window. Shared by every session in the process; all mutations
// happen under the mutex so concurrent sessions cannot race on a key.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	limits  map[Operation]Limit
	logger  commons.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter builds a limiter with the given policies and starts the
// background bucket sweep. Call Stop when the service shuts down.
func NewRateLimiter(logger commons.Logger, limits map[Operation]Limit) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	rl := &RateLimiter{
		buckets: make(map[bucketKey]*bucket),
		limits:  limits,
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go rl.sweepLoop()
	return rl
}

// CheckRateLimit reports whether userID may perform operation now.
//
// Window semantics: a fresh or expired bucket resets and admits; inside the
// window the counter increments only while below the limit. A denied call
// never mutates the counter, so a burst cannot extend its own penalty.
// Unknown operations are denied — every admissible operation has a policy.
func (rl *RateLimiter) CheckRateLimit(userID string, operation Operation) bool {
	limit, ok := rl.limits[operation]
	if !ok {
		rl.logger.Warnw("rate limit check for unknown operation",
			"security", true, "user", userID, "operation", operation)
		return false
	}

	now := rl.now()
	key := bucketKey{userID: userID, operation: operation}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists || now.Sub(b.windowStart) > limit.Window {
		rl.buckets[key] = &bucket{count: 1, windowStart: now, lastSeen: now}
		return true
	}

	b.lastSeen = now
	if b.count < limit.MaxAttempts {
		b.count++
		return true
	}

	rl.logger.Warnw("rate limit exceeded",
		"security", true, "user", userID, "operation", operation,
		"count", b.count, "window_start", b.windowStart)
	return false
}

// Cleanup evicts buckets that have not been touched for over five minutes.
// Also runs periodically from the sweep goroutine.
func (rl *RateLimiter) Cleanup() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > bucketIdleEviction {
			delete(rl.buckets, key)
		}
	}
}

// Stop terminates the background sweep. Idempotent.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// bucketCount is a test hook.
func (rl *RateLimiter) bucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
