// Package store provides the append-only durable record of final transcript
// segments, keyed by (meeting_id, segment_no).
//
// AppendFinal is the relay's only write path. Duplicate appends are
// idempotent, and a failed append is recoverable for the caller: the live
// relay logs and keeps publishing rather than stalling on durability.
package store

import (
	"context"
	"time"
)

// Segment is one final transcript row. Immutable once handed to the store.
type Segment struct {
	MeetingID string
	SegmentNo uint64

	// Source labels the audio origin declared at handshake ("mic"/"system").
	Source string

	// StartMS and EndMS bound the utterance in milliseconds from session
	// start. StartMS ≤ EndMS always holds for provider output.
	StartMS int64
	EndMS   int64

	// Speaker is the opaque diarization label, empty when absent.
	Speaker string

	Text string

	// Confidence is nil when the provider reported none.
	Confidence *float64

	CreatedAt time.Time

	// ProviderRaw is the provider's original JSON result, kept for debugging.
	ProviderRaw []byte
}

// TranscriptStore persists final segments.
type TranscriptStore interface {
	// AppendFinal persists seg. Replaying the same (meeting_id, segment_no)
	// succeeds silently without modifying the existing row.
	AppendFinal(ctx context.Context, seg Segment) error

	// Ping reports store reachability for health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
