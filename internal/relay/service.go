package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/loopnote/relay/internal/auth"
	"github.com/loopnote/relay/internal/bus"
	"github.com/loopnote/relay/internal/observe"
	"github.com/loopnote/relay/internal/registry"
	"github.com/loopnote/relay/internal/store"
	"github.com/loopnote/relay/pkg/asr"
	"github.com/loopnote/relay/pkg/pcm"
)

// Application close codes, alongside the registered WebSocket ones.
const (
	closeProtocolViolation websocket.StatusCode = 4000
	closeAuthFailed        websocket.StatusCode = 4001
	closeIngestExists      websocket.StatusCode = 4002
	closeSubscriberLimit   websocket.StatusCode = 4003
)

// TokenVerifier authenticates a bearer token into a Principal.
type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// Config carries the tunables of the relay surface. Zero values are replaced
// with the documented defaults by [New].
type Config struct {
	MaxSubscribers  int           // per-meeting subscriber cap
	SubscriberQueue int           // per-subscriber outbound queue length
	EnvelopeMax     int           // outbound envelope size cap in bytes
	FrameMax        int           // inbound PCM frame size cap in bytes
	SampleRate      int           // required handshake sample_rate_hz
	Channels        int           // required handshake channels

	IdleTimeout      time.Duration // subscriber ping cadence
	HandshakeTimeout time.Duration // ingest first-frame deadline
	FinalizeGrace    time.Duration // wait for trailing finals at teardown
	ShutdownGrace    time.Duration // wait for sessions to drain on stop

	RateLimitWindow time.Duration // admission window
	RateLimitMax    int           // connection attempts per window per key

	// DefaultLanguage is used when the handshake leaves language empty.
	// EndpointingMs is passed through to the ASR provider unchanged.
	DefaultLanguage string
	EndpointingMs   int
}

func (c Config) withDefaults() Config {
	if c.MaxSubscribers == 0 {
		c.MaxSubscribers = 20
	}
	if c.SubscriberQueue == 0 {
		c.SubscriberQueue = 256
	}
	if c.EnvelopeMax == 0 {
		c.EnvelopeMax = 64 << 10
	}
	if c.FrameMax == 0 {
		c.FrameMax = 32 << 10
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.FinalizeGrace == 0 {
		c.FinalizeGrace = time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = 10 * time.Second
	}
	if c.RateLimitMax == 0 {
		c.RateLimitMax = 5
	}
	return c
}

// serviceDeps bundles the collaborators shared by every session.
type serviceDeps struct {
	reg      *registry.Registry
	bus      bus.Bus
	store    store.TranscriptStore
	provider asr.Provider
	metrics  *observe.Metrics
}

// ingestLimits is the per-session slice of Config handed to ingest sessions.
type ingestLimits struct {
	format          pcm.Format
	frameMax        int
	handshakeWait   time.Duration
	finalizeGrace   time.Duration
	defaultLanguage string
	endpointingMs   int
}

// Service is the admission controller and HTTP surface of the relay. It owns
// the lifetime of every ingest and subscriber session.
type Service struct {
	cfg      Config
	verifier TokenVerifier
	deps     serviceDeps
	limiter  *limiter
	log      *slog.Logger

	draining atomic.Bool
	sessions sync.WaitGroup
}

// New wires a Service. store may be nil when no durable store is configured;
// finals are then published but not persisted.
func New(cfg Config, verifier TokenVerifier, reg *registry.Registry, b bus.Bus, st store.TranscriptStore, provider asr.Provider, metrics *observe.Metrics, log *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		verifier: verifier,
		deps: serviceDeps{
			reg:      reg,
			bus:      b,
			store:    st,
			provider: provider,
			metrics:  metrics,
		},
		limiter: newLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		log:     log,
	}
}

// Register adds the relay's WebSocket and introspection routes to mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/ingest/meetings/{meeting_id}", s.handleIngest)
	mux.HandleFunc("GET /api/v1/ws/meetings/{meeting_id}", s.handleSubscribe)
	mux.HandleFunc("GET /api/v1/ws/meetings/{meeting_id}/stats", s.handleStats)
}

// Drain stops admitting new connections and waits up to the shutdown grace
// for live sessions to finish. Session contexts are cancelled by the caller
// through the server's base context.
func (s *Service) Drain() {
	s.draining.Store(true)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn("shutdown grace expired with sessions still live")
	}
}

// accept upgrades the request. Upgrade failures are already answered by the
// websocket library.
func (s *Service) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return nil, false
	}
	// The read limit must sit far above the frame cap: an oversized frame is
	// read and dropped by the session, not fatal to the connection. The limit
	// only guards the transport against runaway frames.
	limit := int64(16 * s.cfg.FrameMax)
	if limit < 1<<20 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return conn, true
}

// authenticate completes the WebSocket handshake before any close frame, as
// the protocol requires, then verifies the bearer token.
func (s *Service) authenticate(conn *websocket.Conn, r *http.Request) (auth.Principal, bool) {
	principal, err := s.verifier.Verify(auth.BearerFromRequest(r))
	if err != nil {
		s.log.Info("connection rejected", "path", r.URL.Path, "error", err)
		_ = conn.Close(closeAuthFailed, "auth failed")
		return auth.Principal{}, false
	}
	return principal, true
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	meetingID := r.PathValue("meeting_id")
	source := r.URL.Query().Get("source")
	switch source {
	case "", "mic":
		source = "mic"
	case "sys", "system":
		source = "system"
	default:
		http.Error(w, "source must be mic or system", http.StatusBadRequest)
		return
	}

	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	principal, ok := s.authenticate(conn, r)
	if !ok {
		return
	}
	if !s.limiter.Allow(meetingKey(meetingID, source)) || !s.limiter.Allow(principalKey(principal.UserID)) {
		_ = conn.Close(websocket.StatusTryAgainLater, "rate limited, try again later")
		return
	}

	sess := newIngest(conn, meetingID, source, s.deps, ingestLimits{
		format:          pcm.Format{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels},
		frameMax:        s.cfg.FrameMax,
		handshakeWait:   s.cfg.HandshakeTimeout,
		finalizeGrace:   s.cfg.FinalizeGrace,
		defaultLanguage: s.cfg.DefaultLanguage,
		endpointingMs:   s.cfg.EndpointingMs,
	}, s.log.With("user_id", principal.UserID))

	if err := s.deps.reg.AttachIngest(meetingID, sess); err != nil {
		_ = conn.Close(closeIngestExists, "ingest already active for meeting")
		return
	}

	s.sessions.Add(1)
	s.deps.metrics.ActiveIngests.Add(r.Context(), 1)
	defer func() {
		s.deps.reg.DetachIngest(meetingID, sess)
		s.deps.metrics.ActiveIngests.Add(r.Context(), -1)
		s.sessions.Done()
	}()

	sess.run(r.Context())
}

func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	meetingID := r.PathValue("meeting_id")

	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	principal, ok := s.authenticate(conn, r)
	if !ok {
		return
	}
	if !s.limiter.Allow(principalKey(principal.UserID)) {
		_ = conn.Close(websocket.StatusTryAgainLater, "rate limited, try again later")
		return
	}

	sub := newSubscriber(conn, meetingID, s.cfg.SubscriberQueue, s.cfg.EnvelopeMax, s.cfg.IdleTimeout, s.cfg.ShutdownGrace, s.log.With("user_id", principal.UserID))

	// Subscribe before claiming a registry slot so a successfully attached
	// subscriber is already receiving; enqueued envelopes wait for run.
	unsub, err := s.deps.bus.Subscribe(r.Context(), ChannelFor(meetingID), func(_ string, payload []byte) {
		sub.enqueue(payload)
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	if err := s.deps.reg.AttachSubscriber(meetingID, sub); err != nil {
		unsub()
		_ = conn.Close(closeSubscriberLimit, "connection limit reached")
		return
	}

	s.sessions.Add(1)
	s.deps.metrics.ActiveSubscribers.Add(r.Context(), 1)
	defer func() {
		unsub()
		s.deps.reg.DetachSubscriber(meetingID, sub)
		s.deps.metrics.ActiveSubscribers.Add(r.Context(), -1)
		s.deps.metrics.RecordSubscriberClose(r.Context(), closeReasonLabel(sub))
		s.sessions.Done()
	}()

	sub.run(r.Context())
}

// closeReasonLabel maps a finished subscriber's close verdict onto the
// metrics attribute.
func closeReasonLabel(sub *subscriber) string {
	switch {
	case sub.reason == "slow consumer":
		return "slow_consumer"
	case sub.reason == "client unresponsive":
		return "idle"
	case sub.code == websocket.StatusGoingAway:
		return "shutdown"
	default:
		return "normal"
	}
}

// handleStats serves the read-only per-meeting snapshot.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.reg.Stats(r.PathValue("meeting_id"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.log.Debug("stats encode failed", "error", err)
	}
}
