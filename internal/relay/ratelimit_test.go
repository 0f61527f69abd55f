package relay

import (
	"testing"
	"time"
)

func TestLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := newLimiter(5, 10*time.Second)
	l.now = func() time.Time { return clock }

	key := meetingKey("m1", "mic")
	for i := 0; i < 5; i++ {
		if !l.Allow(key) {
			t.Fatalf("attempt %d should be admitted", i+1)
		}
	}
	if l.Allow(key) {
		t.Fatal("6th attempt inside the window should be denied")
	}

	// A denied attempt does not extend the window.
	clock = clock.Add(9 * time.Second)
	if l.Allow(key) {
		t.Fatal("window has not slid past the first admit yet")
	}
	clock = clock.Add(2 * time.Second)
	if !l.Allow(key) {
		t.Fatal("first admit aged out, attempt should pass")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := newLimiter(1, time.Minute)
	if !l.Allow(meetingKey("m1", "mic")) {
		t.Fatal("fresh meeting key denied")
	}
	if l.Allow(meetingKey("m1", "mic")) {
		t.Fatal("same key over cap should be denied")
	}
	if !l.Allow(meetingKey("m1", "system")) {
		t.Error("different source is a different admission key")
	}
	if !l.Allow(meetingKey("m2", "mic")) {
		t.Error("different meeting is a different admission key")
	}
	if !l.Allow(principalKey("m1")) {
		t.Error("principal namespace must not collide with meeting namespace")
	}
}

func TestLimiterPrunesIdleKeys(t *testing.T) {
	t.Parallel()

	clock := time.Unix(0, 0)
	l := newLimiter(5, 10*time.Second)
	l.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		l.Allow("k1")
	}
	clock = clock.Add(time.Minute)
	if !l.Allow("k1") {
		t.Fatal("all recorded attempts expired, attempt should pass")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.hits["k1"]); n != 1 {
		t.Errorf("expired attempts must be pruned, kept %d", n)
	}
}
