package pairing

import (
	"sync"
	"time"
)

const (
	maxAttemptsPerWindow = 5
	windowDuration       = 60 * time.Second
	baseBackoffSeconds   = 2
	maxBackoffSeconds    = 300
	lockoutThreshold     = 10
	lockoutDuration      = time.Hour
)

type deviceAttempts struct {
	windowStart      time.Time
	attemptsInWindow int
	failedAttempts   int
	backoffUntil     time.Time
	lockedUntil      time.Time
}

// RateLimiter enforces a per-deviceId sliding-window
// attempt cap, exponential backoff on failure, and a hard lockout after
// repeated failures.
type RateLimiter struct {
	mu      sync.Mutex
	devices map[string]*deviceAttempts
	nowFunc func() time.Time
}

// NewRateLimiter creates a RateLimiter. nowFunc supplies the clock; pass
// nil for time.Now.
func NewRateLimiter(nowFunc func() time.Time) *RateLimiter {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &RateLimiter{
		devices: make(map[string]*deviceAttempts),
		nowFunc: nowFunc,
	}
}

// CheckAllowed reports whether deviceID may attempt verification right
// now. If not, it returns the number of seconds the caller must wait.
func (r *RateLimiter) CheckAllowed(deviceID string) (retryAfterSeconds int, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	d := r.deviceLocked(deviceID)

	if now.Before(d.lockedUntil) {
		return int(d.lockedUntil.Sub(now).Seconds()) + 1, false
	}
	if now.Before(d.backoffUntil) {
		return int(d.backoffUntil.Sub(now).Seconds()) + 1, false
	}

	if now.Sub(d.windowStart) > windowDuration {
		d.windowStart = now
		d.attemptsInWindow = 0
	}
	if d.attemptsInWindow >= maxAttemptsPerWindow {
		retryAfter := d.windowStart.Add(windowDuration).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return int(retryAfter.Seconds()) + 1, false
	}

	d.attemptsInWindow++
	return 0, true
}

// RecordFailure increments deviceID's failure count and (re)computes its
// backoff/lockout windows.
func (r *RateLimiter) RecordFailure(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	d := r.deviceLocked(deviceID)
	d.failedAttempts++

	if d.failedAttempts >= lockoutThreshold {
		d.lockedUntil = now.Add(lockoutDuration)
		return
	}

	backoff := baseBackoffSeconds * pow2(d.failedAttempts-1)
	if backoff > maxBackoffSeconds {
		backoff = maxBackoffSeconds
	}
	d.backoffUntil = now.Add(time.Duration(backoff) * time.Second)
}

// Clear resets all rate-limit state for deviceID, called on a
// successful verification.
func (r *RateLimiter) Clear(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

func (r *RateLimiter) deviceLocked(deviceID string) *deviceAttempts {
	d, ok := r.devices[deviceID]
	if !ok {
		d = &deviceAttempts{windowStart: r.nowFunc()}
		r.devices[deviceID] = d
	}
	return d
}

func pow2(n int) int {
	if n <= 0 {
		return 1
	}
	result := 1
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
