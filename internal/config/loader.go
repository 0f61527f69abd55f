package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default returns the built-in configuration. Every documented default lives
// here and nowhere else.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Relay: RelayConfig{
			MaxSubscribersPerMeeting: 20,
			MaxIngestFrameBytes:      32768,
			SampleRateHz:             16000,
			Channels:                 1,
			SubscriberQueueSize:      256,
			EnvelopeMaxBytes:         64 << 10,
			IdleTimeoutS:             30,
			HandshakeTimeoutS:        10,
			FinalizeGraceS:           1,
			ShutdownGraceS:           5,
			RateLimitWindowS:         10,
			RateLimitMaxConns:        5,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// seed file at path (skipped when path is empty), then the environment, then
// validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults, applies
// the environment and validates. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// applyEnv overlays the recognised environment variables onto cfg. Set but
// malformed values are collected into a joined error; an unset variable
// leaves the current value alone.
func applyEnv(cfg *Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}

	num("MAX_SUBSCRIBERS_PER_MEETING", &cfg.Relay.MaxSubscribersPerMeeting)
	num("MAX_INGEST_FRAME_BYTES", &cfg.Relay.MaxIngestFrameBytes)
	num("INGEST_SAMPLE_RATE_HZ", &cfg.Relay.SampleRateHz)
	num("INGEST_CHANNELS", &cfg.Relay.Channels)
	num("SUBSCRIBER_QUEUE_SIZE", &cfg.Relay.SubscriberQueueSize)
	num("ENVELOPE_MAX_BYTES", &cfg.Relay.EnvelopeMaxBytes)
	num("IDLE_TIMEOUT_S", &cfg.Relay.IdleTimeoutS)
	num("HANDSHAKE_TIMEOUT_S", &cfg.Relay.HandshakeTimeoutS)
	num("FINALIZE_GRACE_S", &cfg.Relay.FinalizeGraceS)
	num("SHUTDOWN_GRACE_S", &cfg.Relay.ShutdownGraceS)
	num("RATE_LIMIT_WINDOW_S", &cfg.Relay.RateLimitWindowS)
	num("RATE_LIMIT_MAX_CONNS", &cfg.Relay.RateLimitMaxConns)

	str("ASR_PROVIDER_URL", &cfg.ASR.ProviderURL)
	str("ASR_API_KEY", &cfg.ASR.APIKey)
	str("ASR_MODEL", &cfg.ASR.Model)
	str("ASR_LANGUAGE_DEFAULT", &cfg.ASR.LanguageDefault)
	num("ASR_ENDPOINTING_MS", &cfg.ASR.EndpointingMs)

	str("PUBSUB_URL", &cfg.PubSub.URL)
	str("PUBSUB_PASSWORD", &cfg.PubSub.Password)

	str("AUTH_AUDIENCE", &cfg.Auth.Audience)
	str("AUTH_ISSUER", &cfg.Auth.Issuer)
	str("AUTH_PUBLIC_KEY_PATH", &cfg.Auth.PublicKeyPath)
	str("AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)

	str("TRANSCRIPT_STORE_URL", &cfg.Store.URL)

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("relay.max_subscribers_per_meeting", cfg.Relay.MaxSubscribersPerMeeting)
	positive("relay.max_ingest_frame_bytes", cfg.Relay.MaxIngestFrameBytes)
	positive("relay.sample_rate_hz", cfg.Relay.SampleRateHz)
	positive("relay.channels", cfg.Relay.Channels)
	positive("relay.subscriber_queue_size", cfg.Relay.SubscriberQueueSize)
	positive("relay.envelope_max_bytes", cfg.Relay.EnvelopeMaxBytes)
	positive("relay.idle_timeout_s", cfg.Relay.IdleTimeoutS)
	positive("relay.handshake_timeout_s", cfg.Relay.HandshakeTimeoutS)
	positive("relay.finalize_grace_s", cfg.Relay.FinalizeGraceS)
	positive("relay.shutdown_grace_s", cfg.Relay.ShutdownGraceS)
	positive("relay.rate_limit_window_s", cfg.Relay.RateLimitWindowS)
	positive("relay.rate_limit_max_conns", cfg.Relay.RateLimitMaxConns)

	if cfg.ASR.APIKey == "" {
		errs = append(errs, errors.New("asr.api_key is required (ASR_API_KEY)"))
	}
	switch cfg.ASR.LanguageDefault {
	case "", "auto", "tr", "en":
	default:
		errs = append(errs, fmt.Errorf("asr.language_default %q is invalid; valid values: tr, en, auto", cfg.ASR.LanguageDefault))
	}
	if cfg.ASR.EndpointingMs < 0 {
		errs = append(errs, fmt.Errorf("asr.endpointing_ms must not be negative, got %d", cfg.ASR.EndpointingMs))
	}

	if cfg.Auth.PublicKeyPath == "" && cfg.Auth.HMACSecret == "" {
		errs = append(errs, errors.New("auth requires a public key path or an HMAC secret (AUTH_PUBLIC_KEY_PATH / AUTH_HMAC_SECRET)"))
	}

	// Availability warnings: both of these are valid single-instance or
	// development setups, but worth a log line.
	if cfg.PubSub.URL == "" {
		slog.Warn("pubsub.url is empty; using the in-process bus, subscribers must connect to this instance")
	}
	if cfg.Store.URL == "" {
		slog.Warn("store.url is empty; final segments will not be persisted")
	}

	return errors.Join(errs...)
}
