// Package mock provides an in-memory TranscriptStore for tests.
package mock

import (
	"context"
	"sync"

	"github.com/loopnote/relay/internal/store"
)

type key struct {
	meetingID string
	segmentNo uint64
}

// Store records appended segments in memory. Like the Postgres store, a
// replayed (meeting_id, segment_no) is ignored and the first write wins.
// Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	rows map[key]store.Segment
	seq  []store.Segment

	// AppendErr, when set, is returned by every AppendFinal call.
	AppendErr error
	// PingErr, when set, is returned by Ping.
	PingErr error

	closed bool
}

var _ store.TranscriptStore = (*Store)(nil)

func New() *Store {
	return &Store{rows: make(map[key]store.Segment)}
}

func (s *Store) AppendFinal(_ context.Context, seg store.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	k := key{seg.MeetingID, seg.SegmentNo}
	if _, dup := s.rows[k]; dup {
		return nil
	}
	s.rows[k] = seg
	s.seq = append(s.seq, seg)
	return nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Appends returns all persisted segments in append order.
func (s *Store) Appends() []store.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Segment, len(s.seq))
	copy(out, s.seq)
	return out
}

// Get returns the persisted segment for the key, if any.
func (s *Store) Get(meetingID string, segmentNo uint64) (store.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.rows[key{meetingID, segmentNo}]
	return seg, ok
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
