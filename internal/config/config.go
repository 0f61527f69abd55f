// Package config provides the configuration schema and loader for the relay.
//
// Configuration is environment-first: every knob has an environment variable,
// and an optional YAML seed file can pre-populate values for development.
// Environment variables always win over the file, which always wins over the
// built-in defaults.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for the relay. It is built by
// [Load] from defaults, an optional YAML file, and the environment.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Relay  RelayConfig  `yaml:"relay"`
	ASR    ASRConfig    `yaml:"asr"`
	PubSub PubSubConfig `yaml:"pubsub"`
	Auth   AuthConfig   `yaml:"auth"`
	Store  StoreConfig  `yaml:"store"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// Env: LISTEN_ADDR.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Env: LOG_LEVEL.
	LogLevel LogLevel `yaml:"log_level"`
}

// RelayConfig holds the session and admission tunables. The *_S fields are
// whole seconds, matching their environment variables.
type RelayConfig struct {
	// MaxSubscribersPerMeeting caps concurrent subscribers on one meeting.
	// Env: MAX_SUBSCRIBERS_PER_MEETING.
	MaxSubscribersPerMeeting int `yaml:"max_subscribers_per_meeting"`

	// MaxIngestFrameBytes caps one inbound PCM frame. Larger frames are
	// dropped without disconnecting. Env: MAX_INGEST_FRAME_BYTES.
	MaxIngestFrameBytes int `yaml:"max_ingest_frame_bytes"`

	// SampleRateHz is the required handshake sample rate.
	// Env: INGEST_SAMPLE_RATE_HZ.
	SampleRateHz int `yaml:"sample_rate_hz"`

	// Channels is the required handshake channel count. Env: INGEST_CHANNELS.
	Channels int `yaml:"channels"`

	// SubscriberQueueSize is the per-subscriber outbound queue length.
	// Env: SUBSCRIBER_QUEUE_SIZE.
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`

	// EnvelopeMaxBytes caps one outbound envelope; oversized envelopes are
	// truncated, not dropped. Env: ENVELOPE_MAX_BYTES.
	EnvelopeMaxBytes int `yaml:"envelope_max_bytes"`

	// Env: IDLE_TIMEOUT_S, HANDSHAKE_TIMEOUT_S, FINALIZE_GRACE_S,
	// SHUTDOWN_GRACE_S.
	IdleTimeoutS      int `yaml:"idle_timeout_s"`
	HandshakeTimeoutS int `yaml:"handshake_timeout_s"`
	FinalizeGraceS    int `yaml:"finalize_grace_s"`
	ShutdownGraceS    int `yaml:"shutdown_grace_s"`

	// Env: RATE_LIMIT_WINDOW_S, RATE_LIMIT_MAX_CONNS.
	RateLimitWindowS  int `yaml:"rate_limit_window_s"`
	RateLimitMaxConns int `yaml:"rate_limit_max_conns"`
}

// IdleTimeout returns IdleTimeoutS as a duration.
func (c RelayConfig) IdleTimeout() time.Duration { return time.Duration(c.IdleTimeoutS) * time.Second }

// HandshakeTimeout returns HandshakeTimeoutS as a duration.
func (c RelayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutS) * time.Second
}

// FinalizeGrace returns FinalizeGraceS as a duration.
func (c RelayConfig) FinalizeGrace() time.Duration {
	return time.Duration(c.FinalizeGraceS) * time.Second
}

// ShutdownGrace returns ShutdownGraceS as a duration.
func (c RelayConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceS) * time.Second
}

// RateLimitWindow returns RateLimitWindowS as a duration.
func (c RelayConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowS) * time.Second
}

// ASRConfig configures the upstream speech provider.
type ASRConfig struct {
	// ProviderURL overrides the provider's default streaming endpoint.
	// Env: ASR_PROVIDER_URL.
	ProviderURL string `yaml:"provider_url"`

	// APIKey authenticates against the provider. Required. Env: ASR_API_KEY.
	APIKey string `yaml:"api_key"`

	// Model selects the recognition model (e.g., "nova-3"). Env: ASR_MODEL.
	Model string `yaml:"model"`

	// LanguageDefault is applied when the ingest handshake leaves language
	// empty. Valid: tr, en, auto or empty. Env: ASR_LANGUAGE_DEFAULT.
	LanguageDefault string `yaml:"language_default"`

	// EndpointingMs is the provider's silence threshold for closing a
	// segment, in milliseconds. Zero keeps the provider default.
	// Env: ASR_ENDPOINTING_MS.
	EndpointingMs int `yaml:"endpointing_ms"`
}

// PubSubConfig configures the Redis pub-sub broker. An empty URL selects the
// in-process bus, which is only suitable for single-instance deployments.
type PubSubConfig struct {
	// URL is a redis:// connection URL. Env: PUBSUB_URL.
	URL string `yaml:"url"`

	// Password overrides any password in the URL. Env: PUBSUB_PASSWORD.
	Password string `yaml:"password"`
}

// AuthConfig holds token verification material. At least one of
// PublicKeyPath and HMACSecret must be set.
type AuthConfig struct {
	// Audience and Issuer are matched against token claims.
	// Env: AUTH_AUDIENCE, AUTH_ISSUER.
	Audience string `yaml:"audience"`
	Issuer   string `yaml:"issuer"`

	// PublicKeyPath points at a PEM-encoded RSA public key (RS256).
	// Env: AUTH_PUBLIC_KEY_PATH.
	PublicKeyPath string `yaml:"public_key_path"`

	// HMACSecret enables HS256 verification. Env: AUTH_HMAC_SECRET.
	HMACSecret string `yaml:"hmac_secret"`
}

// StoreConfig configures the durable transcript store. An empty URL disables
// persistence; finals are then published but not stored.
type StoreConfig struct {
	// URL is a postgres:// DSN. Env: TRANSCRIPT_STORE_URL.
	URL string `yaml:"url"`
}
