package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAttachIngestExclusive(t *testing.T) {
	t.Parallel()

	r := New(20)
	a, b := "ingest-a", "ingest-b"

	if err := r.AttachIngest("m1", a); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := r.AttachIngest("m1", b); !errors.Is(err, ErrIngestExists) {
		t.Fatalf("second attach = %v, want ErrIngestExists", err)
	}
	// Same owner re-attaching is not a conflict.
	if err := r.AttachIngest("m1", a); err != nil {
		t.Errorf("re-attach same owner: %v", err)
	}
	// A different meeting is unaffected.
	if err := r.AttachIngest("m2", b); err != nil {
		t.Errorf("other meeting: %v", err)
	}

	r.DetachIngest("m1", b) // not the owner: no-op
	if !r.Stats("m1").IngestActive {
		t.Error("detach by non-owner must not release the slot")
	}
	r.DetachIngest("m1", a)
	if r.Stats("m1").IngestActive {
		t.Error("ingest still active after owner detach")
	}
}

func TestSubscriberCap(t *testing.T) {
	t.Parallel()

	r := New(2)
	if err := r.AttachSubscriber("m1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := r.AttachSubscriber("m1", "s2"); err != nil {
		t.Fatal(err)
	}
	if err := r.AttachSubscriber("m1", "s3"); !errors.Is(err, ErrSubscriberLimit) {
		t.Fatalf("over cap = %v, want ErrSubscriberLimit", err)
	}
	if got := r.Stats("m1").Subscribers; got != 2 {
		t.Errorf("Subscribers = %d, want 2", got)
	}

	r.DetachSubscriber("m1", "s1")
	if err := r.AttachSubscriber("m1", "s3"); err != nil {
		t.Errorf("attach after detach: %v", err)
	}
}

func TestNextSegmentNoMonotone(t *testing.T) {
	t.Parallel()

	r := New(20)

	if got := r.CurrentSegmentNo("m1"); got != 0 {
		t.Fatalf("CurrentSegmentNo before any final = %d, want 0", got)
	}

	const goroutines, perG = 8, 100
	var wg sync.WaitGroup
	seen := make(chan uint64, goroutines*perG)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				seen <- r.NextSegmentNo("m1")
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	var max uint64
	for n := range seen {
		if unique[n] {
			t.Fatalf("duplicate segment number %d", n)
		}
		unique[n] = true
		if n > max {
			max = n
		}
	}
	if len(unique) != goroutines*perG {
		t.Fatalf("got %d unique numbers, want %d", len(unique), goroutines*perG)
	}
	if max != goroutines*perG {
		t.Fatalf("max = %d, want %d (no gaps)", max, goroutines*perG)
	}
	if got := r.CurrentSegmentNo("m1"); got != max {
		t.Errorf("CurrentSegmentNo = %d, want %d", got, max)
	}
}

func TestQuiescenceCleanup(t *testing.T) {
	t.Parallel()

	r := New(20, WithGrace(time.Second))

	if err := r.AttachSubscriber("m1", "s1"); err != nil {
		t.Fatal(err)
	}
	r.NextSegmentNo("m1")
	r.DetachSubscriber("m1", "s1")

	// Within the grace window the record survives and a reconnect keeps it.
	if err := r.AttachSubscriber("m1", "s1"); err != nil {
		t.Fatal(err)
	}
	if got := r.CurrentSegmentNo("m1"); got != 1 {
		t.Errorf("segment counter lost across rapid reconnect: %d", got)
	}
	r.DetachSubscriber("m1", "s1")

	deadline := time.Now().Add(3 * time.Second)
	for r.ActiveMeetings() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := r.ActiveMeetings(); n != 0 {
		t.Errorf("ActiveMeetings = %d after quiescence, want 0", n)
	}
}

func TestStatsUnknownMeeting(t *testing.T) {
	t.Parallel()

	r := New(20)
	if got := r.Stats("nope"); got.Subscribers != 0 || got.IngestActive {
		t.Errorf("Stats(unknown) = %+v, want zero", got)
	}
}
