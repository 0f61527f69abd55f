// Package relay implements the meeting transcription relay: authenticated
// WebSocket ingest of PCM audio bridged to a streaming ASR provider, with
// partial and final transcript envelopes fanned out to subscribers over the
// pub-sub bus and finals recorded durably.
package relay

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Envelope type tags. Every message delivered to subscribers is a JSON
// object discriminated by its "type" field.
const (
	TypeTranscriptPartial = "transcript.partial"
	TypeTranscriptFinal   = "transcript.final"
	TypeStatus            = "status"
	TypeAITip             = "ai.tip"
	TypeError             = "error"
	TypeHandshakeAck      = "handshake_ack"
)

// Status envelope values published on the meeting channel.
const (
	StatusIngestStarted = "ingest_started"
	StatusIngestEnded   = "ingest_ended"
	StatusASRDegraded   = "asr_degraded"
	StatusASRRecovered  = "asr_recovered"
	StatusASRFailed     = "asr_failed"
)

// Meta carries the ingest-side context stamped onto every envelope the
// session produces.
type Meta struct {
	Source   string `json:"source,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	AIMode   string `json:"ai_mode,omitempty"`
}

// Transcript is a transcript.partial or transcript.final envelope. Partials
// carry the provisional next segment number and are never persisted.
type Transcript struct {
	Type       string    `json:"type"`
	MeetingID  string    `json:"meeting_id"`
	SegmentNo  uint64    `json:"segment_no"`
	StartMS    int64     `json:"start_ms"`
	EndMS      int64     `json:"end_ms"`
	Speaker    string    `json:"speaker,omitempty"`
	Text       string    `json:"text"`
	Confidence *float64  `json:"confidence,omitempty"`
	TS         time.Time `json:"ts"`
	Meta       Meta      `json:"meta"`
}

// Status reports a meeting-level event such as ingest lifecycle or ASR
// degradation.
type Status struct {
	Type      string    `json:"type"`
	MeetingID string    `json:"meeting_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	TS        time.Time `json:"ts"`
	Meta      Meta      `json:"meta"`
}

// Tip is an AI-generated meeting suggestion relayed to subscribers.
type Tip struct {
	Type      string    `json:"type"`
	MeetingID string    `json:"meeting_id"`
	Tip       string    `json:"tip"`
	Category  string    `json:"category,omitempty"`
	TS        time.Time `json:"ts"`
	Meta      Meta      `json:"meta"`
}

// ErrorMsg is an error envelope delivered to a client before its
// connection is closed.
type ErrorMsg struct {
	Type    string    `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// HandshakeAck answers the ingest handshake, exactly once per connection.
type HandshakeAck struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Handshake is the first text frame on an ingest connection, declaring the
// audio parameters that stay fixed for the session.
type Handshake struct {
	Type         string   `json:"type"`
	Source       string   `json:"source"`
	SampleRateHz int      `json:"sample_rate_hz"`
	Channels     int      `json:"channels"`
	Language     string   `json:"language,omitempty"`
	AIMode       string   `json:"ai_mode,omitempty"`
	DeviceID     string   `json:"device_id,omitempty"`
	Vocabulary   []string `json:"vocabulary,omitempty"`
}

// ChannelFor returns the pub-sub channel carrying a meeting's envelopes.
func ChannelFor(meetingID string) string {
	return "meeting:" + meetingID + ":transcript"
}

// DecodeEnvelope parses a channel payload into its typed envelope.
func DecodeEnvelope(data []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("relay: decode envelope: %w", err)
	}

	var v any
	switch probe.Type {
	case TypeTranscriptPartial, TypeTranscriptFinal:
		v = &Transcript{}
	case TypeStatus:
		v = &Status{}
	case TypeAITip:
		v = &Tip{}
	case TypeError:
		v = &ErrorMsg{}
	case TypeHandshakeAck:
		v = &HandshakeAck{}
	default:
		return nil, fmt.Errorf("relay: unknown envelope type %q", probe.Type)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("relay: decode %s envelope: %w", probe.Type, err)
	}
	return v, nil
}

// truncatable lists the free-text fields trimmed when an envelope exceeds
// the outbound size cap, largest first.
var truncatable = []string{"text", "tip", "message"}

// Truncate shrinks an oversized envelope to at most max bytes by trimming
// its free-text fields on rune boundaries and setting "_truncated":true.
// Payloads already within the cap pass through untouched.
func Truncate(payload []byte, max int) []byte {
	if max <= 0 || len(payload) <= max {
		return payload
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload
	}
	m["_truncated"] = true

	for _, k := range truncatable {
		out, err := json.Marshal(m)
		if err != nil {
			return payload
		}
		if len(out) <= max {
			return out
		}
		s, ok := m[k].(string)
		if !ok || s == "" {
			continue
		}
		over := len(out) - max
		if over >= len(s) {
			m[k] = ""
			continue
		}
		m[k] = trimToRune(s[:len(s)-over])
	}

	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}

// trimToRune drops trailing bytes left over from cutting inside a UTF-8
// sequence.
func trimToRune(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// clipReason bounds a close reason to the 123 UTF-8 bytes the WebSocket
// close frame allows.
func clipReason(reason string) string {
	const maxReason = 123
	if len(reason) <= maxReason {
		return reason
	}
	return trimToRune(reason[:maxReason])
}
