package auth

import (
	"sync"
	"time"
)

// FailureLimiter limits FAILED login attempts per client IP within a time
// window. Successful logins are not counted and reset the counter.
//
// Flow:
//  1. Request arrives
//  2. Check IsBlocked() - if true, reject with 429
//  3. Attempt authentication
//  4. If it FAILS: call RecordFailure()
//  5. If it SUCCEEDS: call Reset()
type FailureLimiter struct {
	mu       sync.RWMutex
	failures map[string]*failureEntry
	limit    int
	window   time.Duration
	now      func() time.Time

	stop chan struct{}
	once sync.Once
}

type failureEntry struct {
	count     int
	resetTime time.Time
}

// NewFailureLimiter creates a limiter blocking an IP after limit failures
// within window. Call Stop to end the cleanup goroutine.
func NewFailureLimiter(limit int, window time.Duration) *FailureLimiter {
	fl := &FailureLimiter{
		failures: make(map[string]*failureEntry),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go fl.cleanupLoop()
	return fl
}

// IsBlocked returns true if the IP has reached the failure limit.
func (fl *FailureLimiter) IsBlocked(ip string) bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	entry, ok := fl.failures[ip]
	if !ok || fl.now().After(entry.resetTime) {
		return false
	}
	return entry.count >= fl.limit
}

// RecordFailure records a failed attempt.
func (fl *FailureLimiter) RecordFailure(ip string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	entry, ok := fl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		fl.failures[ip] = &failureEntry{count: 1, resetTime: now.Add(fl.window)}
		return
	}
	entry.count++
}

// Reset clears the failure count for an IP.
func (fl *FailureLimiter) Reset(ip string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.failures, ip)
}

// FailureCount returns the current failure count for an IP.
func (fl *FailureLimiter) FailureCount(ip string) int {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	entry, ok := fl.failures[ip]
	if !ok || fl.now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// RetryAfter returns how long an IP stays blocked, or zero.
func (fl *FailureLimiter) RetryAfter(ip string) time.Duration {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	entry, ok := fl.failures[ip]
	if !ok || entry.count < fl.limit {
		return 0
	}
	if d := entry.resetTime.Sub(fl.now()); d > 0 {
		return d
	}
	return 0
}

// Stop ends the cleanup goroutine.
func (fl *FailureLimiter) Stop() {
	fl.once.Do(func() { close(fl.stop) })
}

func (fl *FailureLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fl.cleanup()
		case <-fl.stop:
			return
		}
	}
}

func (fl *FailureLimiter) cleanup() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	for ip, entry := range fl.failures {
		if now.After(entry.resetTime) {
			delete(fl.failures, ip)
		}
	}
}
