package config_test

import (
	"log/slog"
	"testing"

	"github.com/loopnote/relay/internal/config"
)

func TestLogLevelIsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "DEBUG"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestLogLevelSlog(t *testing.T) {
	t.Parallel()

	cases := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"bogus":         slog.LevelInfo,
	}
	for in, want := range cases {
		if got := in.Slog(); got != want {
			t.Errorf("%q.Slog() = %v, want %v", in, got, want)
		}
	}
}

func TestRelayDurations(t *testing.T) {
	t.Parallel()

	r := config.Default().Relay
	if r.IdleTimeout().Seconds() != 30 {
		t.Errorf("idle timeout = %v", r.IdleTimeout())
	}
	if r.RateLimitWindow().Seconds() != 10 {
		t.Errorf("rate limit window = %v", r.RateLimitWindow())
	}
}
