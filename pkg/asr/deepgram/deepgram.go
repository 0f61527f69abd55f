// Package deepgram provides a Deepgram-backed streaming transcription
// provider using the Deepgram real-time WebSocket API. It implements the
// asr.Provider interface with interim results, punctuation, endpointing, and
// speaker diarization enabled, and transparently reconnects on transient
// upstream drops.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/loopnote/relay/internal/retry"
	"github.com/loopnote/relay/pkg/asr"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"

	// defaultMaxReconnects bounds transient-failure recovery attempts before
	// the session is declared permanently failed.
	defaultMaxReconnects = 5
)

// closeStream is the Deepgram end-of-stream control message. The server
// flushes pending audio, emits trailing finals, and closes the connection.
const closeStream = `{"type":"CloseStream"}`

// Session states.
const (
	stateOpen int32 = iota
	stateReconnecting
	stateFinalized
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL. Accepts http(s) URLs and
// rewrites them to ws(s), matching how provider URLs are usually configured.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithModel sets the Deepgram model (e.g. "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithMaxReconnects bounds the transient reconnect attempts per session.
func WithMaxReconnects(n int) Option {
	return func(p *Provider) {
		p.maxReconnects = n
	}
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey        string
	endpoint      string
	model         string
	maxReconnects int
	backoff       retry.Backoff
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		endpoint:      defaultEndpoint,
		model:         defaultModel,
		maxReconnects: defaultMaxReconnects,
		backoff:       retry.Default,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session. It fails fast when the
// provider refuses the connection (bad key, unreachable endpoint).
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	s := &session{
		provider: p,
		url:      wsURL,
		audio:    make(chan []byte, 256),
		partials: make(chan asr.Segment, 64),
		finals:   make(chan asr.Segment, 64),
		status:   make(chan asr.Status, 8),
		runDone:  make(chan struct{}),
	}

	conn, err := p.dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	s.setConn(conn)

	go s.run(context.WithoutCancel(ctx))
	go s.writeLoop()

	return s, nil
}

// dial opens one WebSocket connection to the streaming endpoint.
func (p *Provider) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	return conn, err
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	// Configured provider URLs are often given as http(s); the wire protocol
	// is always WebSocket.
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("diarize", "true")
	if cfg.Language != "" && cfg.Language != "auto" {
		q.Set("language", cfg.Language)
	} else {
		q.Set("detect_language", "true")
	}
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}
	for _, pb := range cfg.Vocabulary {
		q.Add("keywords", fmt.Sprintf("%s:%g", pb.Phrase, pb.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// resultMessage is the JSON shape of a Deepgram Results event.
type resultMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word    string  `json:"word"`
				Start   float64 `json:"start"`
				End     float64 `json:"end"`
				Speaker *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live streaming session. It implements asr.SessionHandle.
type session struct {
	provider *Provider
	url      string

	connMu sync.RWMutex
	conn   *websocket.Conn

	audio    chan []byte
	partials chan asr.Segment
	finals   chan asr.Segment
	status   chan asr.Status

	state        atomic.Int32
	runDone      chan struct{}
	finalizeOnce sync.Once
}

func (s *session) setConn(c *websocket.Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *session) currentConn() *websocket.Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

// SendPCM queues one PCM frame for delivery. It blocks when the provider is
// applying backpressure, and returns an error while reconnecting or after
// finalization; the caller drops the frame in both cases.
func (s *session) SendPCM(frame []byte) error {
	switch s.state.Load() {
	case stateReconnecting:
		return asr.ErrReconnecting
	case stateFinalized:
		return asr.ErrFinalized
	}
	select {
	case s.audio <- frame:
		return nil
	case <-s.runDone:
		return asr.ErrFinalized
	}
}

// Partials returns the channel of interim results.
func (s *session) Partials() <-chan asr.Segment { return s.partials }

// Finals returns the channel of committed results.
func (s *session) Finals() <-chan asr.Segment { return s.finals }

// Status returns the channel of upstream state transitions.
func (s *session) Status() <-chan asr.Status { return s.status }

// Finalize signals end-of-stream, waits for trailing finals until ctx
// expires, then closes the connection. Idempotent.
func (s *session) Finalize(ctx context.Context) error {
	s.finalizeOnce.Do(func() {
		s.state.Store(stateFinalized)
		conn := s.currentConn()
		if conn != nil {
			_ = conn.Write(ctx, websocket.MessageText, []byte(closeStream))
		}
		select {
		case <-s.runDone:
		case <-ctx.Done():
			slog.Debug("deepgram: finalize grace expired before server close")
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "stream finalized")
		}
	})
	return nil
}

// writeLoop drains the audio channel onto the current connection. Write
// errors drop the frame; the read loop owns reconnection.
func (s *session) writeLoop() {
	for {
		select {
		case frame := <-s.audio:
			conn := s.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.Write(context.Background(), websocket.MessageBinary, frame); err != nil {
				slog.Debug("deepgram: audio write failed, frame dropped", "err", err)
			}
		case <-s.runDone:
			return
		}
	}
}

// run owns the read loop and the reconnect cycle. It closes the result
// channels exactly once, when the session ends for any reason.
func (s *session) run(ctx context.Context) {
	defer close(s.runDone)
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.status)

	for {
		s.readLoop(ctx)

		if s.state.Load() == stateFinalized {
			return
		}

		// Transient drop: reconnect with backoff.
		s.state.Store(stateReconnecting)
		s.emitStatus(asr.Status{Kind: asr.StatusDegraded, Reason: "upstream connection lost"})

		if !s.reconnect(ctx) {
			s.state.Store(stateFinalized)
			s.emitStatus(asr.Status{Kind: asr.StatusFailed, Reason: "reconnect attempts exhausted"})
			return
		}

		s.state.Store(stateOpen)
		s.emitStatus(asr.Status{Kind: asr.StatusRecovered, Reason: "upstream reconnected"})
	}
}

// reconnect attempts to re-establish the upstream connection. Returns false
// when the attempt budget is exhausted or the session was finalized meanwhile.
func (s *session) reconnect(ctx context.Context) bool {
	for attempt := 0; attempt < s.provider.maxReconnects; attempt++ {
		wait := s.provider.backoff.Delay(attempt)
		slog.Debug("deepgram: reconnecting", "attempt", attempt+1, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}

		if s.state.Load() == stateFinalized {
			return false
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := s.provider.dial(dialCtx, s.url)
		cancel()
		if err != nil {
			slog.Warn("deepgram: reconnect attempt failed", "attempt", attempt+1, "err", err)
			continue
		}
		s.setConn(conn)
		return true
	}
	return false
}

// readLoop receives JSON messages on the current connection and dispatches
// transcripts until the connection errors or closes.
func (s *session) readLoop(ctx context.Context) {
	conn := s.currentConn()
	if conn == nil {
		return
	}
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		seg, ok := parseResult(msg)
		if !ok {
			continue
		}
		if seg.IsFinal {
			s.finals <- seg
		} else {
			s.partials <- seg
		}
	}
}

// emitStatus delivers a status event without ever blocking the read path.
func (s *session) emitStatus(st asr.Status) {
	select {
	case s.status <- st:
	default:
		slog.Warn("deepgram: status channel full, event dropped", "kind", st.Kind.String())
	}
}

// parseResult parses a raw provider message into a Segment. Returns
// (zero, false) for non-Results messages and empty-text results.
func parseResult(data []byte) (asr.Segment, bool) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return asr.Segment{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return asr.Segment{}, false
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return asr.Segment{}, false
	}

	start := time.Duration(msg.Start * float64(time.Second))
	end := start + time.Duration(msg.Duration*float64(time.Second))
	if len(alt.Words) > 0 {
		// Word timings are tighter than the window bounds when present.
		start = time.Duration(alt.Words[0].Start * float64(time.Second))
		end = time.Duration(alt.Words[len(alt.Words)-1].End * float64(time.Second))
	}

	speaker := ""
	if len(alt.Words) > 0 && alt.Words[0].Speaker != nil {
		speaker = strconv.Itoa(*alt.Words[0].Speaker)
	}

	raw := make([]byte, len(data))
	copy(raw, data)

	return asr.Segment{
		Text:       alt.Transcript,
		Start:      start,
		End:        end,
		Confidence: alt.Confidence,
		Speaker:    speaker,
		IsFinal:    msg.IsFinal,
		Raw:        raw,
	}, true
}
