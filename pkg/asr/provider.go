// Package asr defines the Provider interface for streaming speech-to-text
// backends used by the relay's ingest path.
//
// A provider wraps an external real-time transcription service. The central
// abstraction is SessionHandle: once opened, a session accepts raw s16le PCM
// frames and emits two streams of Segment values — low-latency partials for
// live display and authoritative finals for the durable transcript — plus a
// Status stream reporting upstream degradation.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by SendPCM. Callers are expected to drop the frame
// in either case; ErrReconnecting is transient, ErrFinalized is terminal.
var (
	// ErrFinalized is returned once Finalize has been called (or the session
	// has failed permanently). No further audio is accepted.
	ErrFinalized = errors.New("asr: session finalized")

	// ErrReconnecting is returned while the upstream connection is being
	// re-established. Frames sent during the outage are lost.
	ErrReconnecting = errors.New("asr: upstream reconnecting")
)

// PhraseBoost is a vocabulary hint that raises recognition probability for
// domain terms (attendee names, product names). The boost scale is
// provider-specific.
type PhraseBoost struct {
	Phrase string
	Boost  float64
}

// StreamConfig describes the audio format and recognition options for a new
// streaming session. SampleRate and Channels are fixed for the session's
// lifetime; the relay performs no conversion.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Language is the recognition language code ("tr", "en") or "auto" /
	// empty for provider-side detection.
	Language string

	// EndpointingMs is the silence threshold in milliseconds after which the
	// provider should close out an utterance. Zero uses the provider default.
	EndpointingMs int

	// Vocabulary lists phrase boosts forwarded to the provider when supported.
	Vocabulary []PhraseBoost
}

// Segment is one transcription result, partial or final.
type Segment struct {
	// Text is the transcribed speech. Providers must suppress empty-text
	// results before they reach this type.
	Text string

	// Start and End bound the utterance relative to session start.
	Start time.Duration
	End   time.Duration

	// Confidence is the provider's overall score (0.0–1.0), zero when not
	// reported.
	Confidence float64

	// Speaker is an opaque diarization label, empty when diarization is off
	// or unavailable. Labels carry no stability guarantee across reconnects.
	Speaker string

	// IsFinal reports whether the provider has committed to this result.
	IsFinal bool

	// Raw is the provider's original JSON message, retained for the durable
	// record's debugging column.
	Raw []byte
}

// StatusKind classifies an upstream status transition.
type StatusKind int

const (
	// StatusDegraded means the upstream dropped and a reconnect is underway.
	// Audio sent in this state is discarded.
	StatusDegraded StatusKind = iota

	// StatusRecovered means the upstream reconnected after a degradation.
	StatusRecovered

	// StatusFailed means the session is permanently down (authentication,
	// unsupported format, or reconnect budget exhausted). The handle behaves
	// as if finalized.
	StatusFailed
)

// String returns the wire label for the status kind.
func (k StatusKind) String() string {
	switch k {
	case StatusDegraded:
		return "asr_degraded"
	case StatusRecovered:
		return "asr_recovered"
	case StatusFailed:
		return "asr_failed"
	default:
		return "asr_unknown"
	}
}

// Status reports an upstream state transition.
type Status struct {
	Kind   StatusKind
	Reason string
}

// SessionHandle is an open streaming transcription session.
//
// Callers must call Finalize when the session is no longer needed; failing to
// do so leaks the provider connection and its goroutines. All methods are
// safe for concurrent use.
type SessionHandle interface {
	// SendPCM delivers one raw PCM frame matching the session's StreamConfig.
	// Returns ErrReconnecting or ErrFinalized when the frame cannot be
	// delivered; the caller drops the frame either way.
	SendPCM(frame []byte) error

	// Partials emits interim results. Closed when the session ends.
	Partials() <-chan Segment

	// Finals emits committed results in the provider's emission order, which
	// the relay treats as ground truth for segment numbering. Closed when the
	// session ends.
	Finals() <-chan Segment

	// Status emits upstream degradation/recovery/failure transitions. Closed
	// when the session ends.
	Status() <-chan Status

	// Finalize signals end-of-stream, waits up to the context deadline for
	// trailing finals, then closes the session. Calling Finalize more than
	// once is safe; later calls return nil immediately.
	Finalize(ctx context.Context) error
}

// Provider opens streaming transcription sessions.
type Provider interface {
	// StartStream connects to the provider and returns a handle ready to
	// accept audio. Fails fast if the provider refuses the session.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
