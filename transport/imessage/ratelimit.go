package imessage

import (
	"sync"
	"time"
)

const (
	defaultSendLimit  = 120
	defaultSendWindow = 60 * time.Second
)

// rateLimiter enforces a sliding-window send budget per identifier.
// Messages applies undocumented throttles; staying under 120 sends per
// rolling minute per thread keeps the native action from silently
// dropping messages.
type rateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	sends   map[string][]time.Time
	nowFunc func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		max:     max,
		window:  window,
		sends:   make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// allowN records n sends against identifier if the whole batch fits the
// budget, and reports whether it did. All-or-nothing so a multi-bubble
// sequence is never cut in half by the throttle.
func (r *rateLimiter) allowN(identifier string, n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	cutoff := now.Add(-r.window)
	r.sends[identifier] = pruneTimes(r.sends[identifier], cutoff)

	if len(r.sends[identifier])+n > r.max {
		return false
	}
	for i := 0; i < n; i++ {
		r.sends[identifier] = append(r.sends[identifier], now)
	}
	return true
}

// pruneTimes removes entries older than cutoff from a sorted time slice.
func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}
