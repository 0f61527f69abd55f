// Package pcm provides helpers for validating and measuring raw PCM audio
// frames as they appear on the relay's ingest path: signed 16-bit
// little-endian samples, interleaved when multi-channel.
//
// The relay never resamples or transcodes — these helpers only answer
// "is this frame well-formed for the negotiated format?" and "how much
// wall-clock audio does it carry?".
package pcm

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the width of one s16le sample.
const BytesPerSample = 2

// ErrEmptyFrame is returned for zero-length frames.
var ErrEmptyFrame = errors.New("pcm: empty frame")

// Format describes the fixed audio format negotiated at handshake time.
type Format struct {
	// SampleRate in Hz (e.g. 16000).
	SampleRate int

	// Channels is the interleaved channel count (1 = mono).
	Channels int
}

// FrameBytes returns the byte length of one full sample frame across all
// channels (2 bytes per sample × channels).
func (f Format) FrameBytes() int {
	return BytesPerSample * f.Channels
}

// ValidateFrame checks that data is a well-formed s16le frame for the format:
// non-empty and an exact multiple of the per-frame byte width. It does not
// enforce a maximum size; the ingest session owns that policy.
func (f Format) ValidateFrame(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}
	if fb := f.FrameBytes(); len(data)%fb != 0 {
		return fmt.Errorf("pcm: frame length %d is not a multiple of %d (s16le × %d channels)", len(data), fb, f.Channels)
	}
	return nil
}

// Duration returns the wall-clock audio duration carried by a frame of the
// given byte length. Returns 0 for an invalid format or length.
func (f Format) Duration(frameLen int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 || frameLen <= 0 {
		return 0
	}
	samples := frameLen / f.FrameBytes()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
