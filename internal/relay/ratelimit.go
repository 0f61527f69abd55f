package relay

import (
	"sync"
	"time"
)

// limiter admits connection attempts under a sliding-window cap per key.
// Keys are opaque; the service uses one key per (meeting, source) tuple and
// one per principal.
type limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func newLimiter(max int, window time.Duration) *limiter {
	return &limiter{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an attempt for key and reports whether it fits inside the
// window. Denied attempts are not recorded, so a rejected client does not
// push its own readmission further out.
func (l *limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, ts := range l.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.hits, key)
	} else {
		l.hits[key] = kept
	}

	if len(kept) >= l.max {
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

// meetingKey and principalKey namespace the two admission dimensions so a
// meeting id can never collide with a user id.
func meetingKey(meetingID, source string) string { return "m:" + meetingID + ":" + source }
func principalKey(userID string) string          { return "p:" + userID }
