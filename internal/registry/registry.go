// Package registry guards the per-meeting invariants of the relay: at most
// one active ingest per meeting, a bounded subscriber set, and the monotone
// final-segment counter.
//
// All operations are atomic with respect to concurrent callers. The registry
// is sharded by meeting id so unrelated meetings never contend on one lock,
// and no lock is ever held across I/O.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// shardCount spreads meetings over independent locks.
const shardCount = 16

// defaultGrace is the quiescence interval before an empty meeting record is
// removed, absorbing rapid reconnects.
const defaultGrace = time.Second

// Typed admission failures.
var (
	// ErrIngestExists means the meeting already has an active ingest owner.
	ErrIngestExists = errors.New("registry: ingest already active for meeting")

	// ErrSubscriberLimit means the meeting's subscriber cap is reached.
	ErrSubscriberLimit = errors.New("registry: subscriber limit reached")
)

// Stats is the read-only per-meeting snapshot exposed to introspection.
type Stats struct {
	Subscribers  int  `json:"subscribers"`
	IngestActive bool `json:"ingest_active"`
}

// meeting is the in-memory session record. Owned exclusively by its shard;
// sessions reference it only through the registry's guarded operations.
type meeting struct {
	ingest    any
	subs      map[any]struct{}
	nextSeg   uint64
	createdAt time.Time
	cleanup   *time.Timer
}

func (m *meeting) empty() bool {
	return m.ingest == nil && len(m.subs) == 0
}

type shard struct {
	mu       sync.Mutex
	meetings map[string]*meeting
}

// Registry is the process-wide per-meeting bookkeeper.
type Registry struct {
	maxSubscribers int
	grace          time.Duration
	shards         [shardCount]*shard
}

// Option configures a Registry.
type Option func(*Registry)

// WithGrace overrides the quiescence interval before empty records are
// removed. Values below one second are raised to one second.
func WithGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d < time.Second {
			d = time.Second
		}
		r.grace = d
	}
}

// New creates a Registry enforcing the given subscriber cap per meeting.
func New(maxSubscribers int, opts ...Option) *Registry {
	r := &Registry{
		maxSubscribers: maxSubscribers,
		grace:          defaultGrace,
	}
	for i := range r.shards {
		r.shards[i] = &shard{meetings: make(map[string]*meeting)}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) shardFor(meetingID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(meetingID))
	return r.shards[h.Sum32()%shardCount]
}

// get returns the meeting record, creating it lazily. Caller holds s.mu.
func (s *shard) get(meetingID string) *meeting {
	m, ok := s.meetings[meetingID]
	if !ok {
		m = &meeting{subs: make(map[any]struct{}), createdAt: time.Now()}
		s.meetings[meetingID] = m
	}
	if m.cleanup != nil {
		m.cleanup.Stop()
		m.cleanup = nil
	}
	return m
}

// scheduleCleanup arms the quiescence timer for an empty record. Caller
// holds s.mu.
func (r *Registry) scheduleCleanup(s *shard, meetingID string, m *meeting) {
	if !m.empty() {
		return
	}
	if m.cleanup != nil {
		m.cleanup.Stop()
	}
	m.cleanup = time.AfterFunc(r.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.meetings[meetingID]; ok && cur == m && cur.empty() {
			delete(s.meetings, meetingID)
		}
	})
}

// AttachIngest claims the meeting's single ingest slot for owner. Returns
// ErrIngestExists when another owner holds it.
func (r *Registry) AttachIngest(meetingID string, owner any) error {
	s := r.shardFor(meetingID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.get(meetingID)
	if m.ingest != nil && m.ingest != owner {
		r.scheduleCleanup(s, meetingID, m)
		return ErrIngestExists
	}
	m.ingest = owner
	return nil
}

// DetachIngest releases the ingest slot if owner holds it.
func (r *Registry) DetachIngest(meetingID string, owner any) {
	s := r.shardFor(meetingID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok || m.ingest != owner {
		return
	}
	m.ingest = nil
	r.scheduleCleanup(s, meetingID, m)
}

// AttachSubscriber adds sub to the meeting, enforcing the configured cap.
func (r *Registry) AttachSubscriber(meetingID string, sub any) error {
	s := r.shardFor(meetingID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.get(meetingID)
	if len(m.subs) >= r.maxSubscribers {
		r.scheduleCleanup(s, meetingID, m)
		return ErrSubscriberLimit
	}
	m.subs[sub] = struct{}{}
	return nil
}

// DetachSubscriber removes sub from the meeting.
func (r *Registry) DetachSubscriber(meetingID string, sub any) {
	s := r.shardFor(meetingID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return
	}
	delete(m.subs, sub)
	r.scheduleCleanup(s, meetingID, m)
}

// NextSegmentNo atomically increments and returns the meeting's final
// segment counter. The first final of a meeting is numbered 1.
func (r *Registry) NextSegmentNo(meetingID string) uint64 {
	s := r.shardFor(meetingID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.get(meetingID)
	m.nextSeg++
	return m.nextSeg
}

// CurrentSegmentNo returns the last assigned final number without
// incrementing; partials are labelled current+1.
func (r *Registry) CurrentSegmentNo(meetingID string) uint64 {
	s := r.shardFor(meetingID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meetings[meetingID]; ok {
		return m.nextSeg
	}
	return 0
}

// Stats returns the meeting's subscriber count and ingest liveness.
func (r *Registry) Stats(meetingID string) Stats {
	s := r.shardFor(meetingID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return Stats{}
	}
	return Stats{Subscribers: len(m.subs), IngestActive: m.ingest != nil}
}

// ActiveMeetings counts meetings with a live record.
func (r *Registry) ActiveMeetings() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.meetings)
		s.mu.Unlock()
	}
	return n
}
