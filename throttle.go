package chatsync

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCooldown is the window of the mark-read and keystroke throttles.
const DefaultCooldown = 3000 * time.Millisecond

// DefaultMarkReadThrottle is shared by every Engine that is not given its
// own throttle, so mark-read is limited per channel across the process.
var DefaultMarkReadThrottle = NewThrottle(DefaultCooldown)

// Throttle accepts one call per key per cooldown. A rejected call does not
// extend the window.
type Throttle struct {
	mu       sync.Mutex
	cooldown time.Duration
	m        map[string]*rate.Limiter
}

// NewThrottle creates a throttle. A non-positive cooldown uses
// DefaultCooldown.
func NewThrottle(cooldown time.Duration) *Throttle {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Throttle{cooldown: cooldown, m: make(map[string]*rate.Limiter)}
}

func (t *Throttle) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(t.cooldown), 1)
	t.m[key] = l
	return l
}

// Allow reports whether a call for key at now is accepted.
func (t *Throttle) Allow(key string, now time.Time) bool {
	return t.get(key).AllowN(now, 1)
}

// Reset forgets key, so the next call is accepted. It reports whether key
// had been seen.
func (t *Throttle) Reset(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[key]
	delete(t.m, key)
	return ok
}
