// Command relayd is the meeting transcription relay server: it accepts PCM
// audio over WebSocket, bridges it to the streaming ASR provider, fans the
// resulting transcript envelopes out to meeting subscribers and records final
// segments durably.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/loopnote/relay/internal/auth"
	"github.com/loopnote/relay/internal/bus"
	"github.com/loopnote/relay/internal/config"
	"github.com/loopnote/relay/internal/health"
	"github.com/loopnote/relay/internal/observe"
	"github.com/loopnote/relay/internal/registry"
	"github.com/loopnote/relay/internal/relay"
	"github.com/loopnote/relay/internal/store"
	"github.com/loopnote/relay/pkg/asr/deepgram"
)

// version is stamped via -ldflags at release build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "optional path to a YAML config seed file (env always overrides)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("relayd", version)
		return 0
	}

	// ── Configuration ──────────────────────────────────────────────────────────
	// .env is a development convenience; a missing file is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "relayd: load .env: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("relayd starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	// This context is also the base context of every session: cancelling it
	// turns into graceful 1001 closes on live connections.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "relay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Token verification ─────────────────────────────────────────────────────
	verifier, err := auth.NewVerifier(auth.Config{
		Audience:      cfg.Auth.Audience,
		Issuer:        cfg.Auth.Issuer,
		PublicKeyPath: cfg.Auth.PublicKeyPath,
		HMACSecret:    cfg.Auth.HMACSecret,
	})
	if err != nil {
		slog.Error("verifier init failed", "error", err)
		return 1
	}

	// ── Pub-sub bus ────────────────────────────────────────────────────────────
	var broker bus.Bus
	if cfg.PubSub.URL == "" {
		broker = bus.NewMemory()
		slog.Info("using in-process bus")
	} else {
		r, err := bus.NewRedis(ctx, cfg.PubSub.URL, cfg.PubSub.Password)
		if err != nil {
			slog.Error("redis connect failed", "error", err)
			return 1
		}
		broker = r
		slog.Info("connected to redis", "url", cfg.PubSub.URL)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Warn("bus close", "error", err)
		}
	}()

	// ── Transcript store ───────────────────────────────────────────────────────
	var transcripts store.TranscriptStore
	storeChecker := health.Checker{Name: "store"}
	if cfg.Store.URL != "" {
		pg, err := store.NewPostgres(ctx, cfg.Store.URL)
		if err != nil {
			slog.Error("store connect failed", "error", err)
			return 1
		}
		defer pg.Close()
		transcripts = pg
		storeChecker.Check = pg.Ping
		slog.Info("connected to transcript store")
	}

	// ── ASR provider ───────────────────────────────────────────────────────────
	var asrOpts []deepgram.Option
	if cfg.ASR.ProviderURL != "" {
		asrOpts = append(asrOpts, deepgram.WithEndpoint(cfg.ASR.ProviderURL))
	}
	if cfg.ASR.Model != "" {
		asrOpts = append(asrOpts, deepgram.WithModel(cfg.ASR.Model))
	}
	provider, err := deepgram.New(cfg.ASR.APIKey, asrOpts...)
	if err != nil {
		slog.Error("asr provider init failed", "error", err)
		return 1
	}

	// ── Relay service ──────────────────────────────────────────────────────────
	reg := registry.New(cfg.Relay.MaxSubscribersPerMeeting)
	svc := relay.New(relay.Config{
		MaxSubscribers:   cfg.Relay.MaxSubscribersPerMeeting,
		SubscriberQueue:  cfg.Relay.SubscriberQueueSize,
		EnvelopeMax:      cfg.Relay.EnvelopeMaxBytes,
		FrameMax:         cfg.Relay.MaxIngestFrameBytes,
		SampleRate:       cfg.Relay.SampleRateHz,
		Channels:         cfg.Relay.Channels,
		IdleTimeout:      cfg.Relay.IdleTimeout(),
		HandshakeTimeout: cfg.Relay.HandshakeTimeout(),
		FinalizeGrace:    cfg.Relay.FinalizeGrace(),
		ShutdownGrace:    cfg.Relay.ShutdownGrace(),
		RateLimitWindow:  cfg.Relay.RateLimitWindow(),
		RateLimitMax:     cfg.Relay.RateLimitMaxConns,
		DefaultLanguage:  cfg.ASR.LanguageDefault,
		EndpointingMs:    cfg.ASR.EndpointingMs,
	}, verifier, reg, broker, transcripts, provider, metrics, logger)

	// ── HTTP surface ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	svc.Register(mux)
	health.New(version,
		health.Checker{Name: "broker", Check: broker.Ping},
		storeChecker,
		health.Checker{Name: "asr"}, // no cheap probe; summary reports unavailable
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     observe.Middleware(metrics)(mux),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// ── Config hot reload ──────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Compare(old, new)
			if d.LogLevelChanged {
				logLevel.Set(d.NewLogLevel.Slog())
				slog.Info("log level updated", "level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes need a restart to apply", "settings", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Error("config watcher init failed", "error", err)
			return 1
		}
		defer watcher.Stop()
	}

	// ── Serve ──────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining sessions")
		svc.Drain()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownGrace())
		defer cancel()
		return server.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
