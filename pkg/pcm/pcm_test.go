package pcm

import (
	"errors"
	"testing"
	"time"
)

func TestValidateFrame(t *testing.T) {
	t.Parallel()

	mono := Format{SampleRate: 16000, Channels: 1}
	stereo := Format{SampleRate: 16000, Channels: 2}

	if err := mono.ValidateFrame(make([]byte, 1024)); err != nil {
		t.Errorf("mono 1024 bytes: unexpected error: %v", err)
	}
	if err := mono.ValidateFrame(make([]byte, 3)); err == nil {
		t.Error("mono 3 bytes: expected odd-length error")
	}
	if err := stereo.ValidateFrame(make([]byte, 6)); err == nil {
		t.Error("stereo 6 bytes: expected frame-alignment error")
	}
	if err := stereo.ValidateFrame(make([]byte, 8)); err != nil {
		t.Errorf("stereo 8 bytes: unexpected error: %v", err)
	}
	if err := mono.ValidateFrame(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("nil frame: got %v, want ErrEmptyFrame", err)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	mono := Format{SampleRate: 16000, Channels: 1}

	// 16000 samples/s × 2 bytes = 32000 bytes per second of mono audio.
	if got := mono.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
	// 1024 bytes = 512 samples = 32ms at 16kHz.
	if got := mono.Duration(1024); got != 32*time.Millisecond {
		t.Errorf("Duration(1024) = %v, want 32ms", got)
	}
	if got := (Format{}).Duration(1024); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}
