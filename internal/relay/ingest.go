package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loopnote/relay/internal/bus"
	"github.com/loopnote/relay/internal/observe"
	"github.com/loopnote/relay/internal/registry"
	"github.com/loopnote/relay/internal/store"
	"github.com/loopnote/relay/pkg/asr"
	"github.com/loopnote/relay/pkg/pcm"
)

// persistTimeout bounds one final-segment append. The live relay never waits
// on durability; this only caps the background write.
const persistTimeout = 10 * time.Second

// ingestState tracks the session through its lifecycle. Transitions are
// strictly forward.
type ingestState int32

const (
	stateInit ingestState = iota
	stateRegistered
	stateHandshaken
	stateASRReady
	stateStreaming
	stateDraining
	stateClosed
)

func (s ingestState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateRegistered:
		return "registered"
	case stateHandshaken:
		return "handshaken"
	case stateASRReady:
		return "asr_ready"
	case stateStreaming:
		return "streaming"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ingest owns one audio-producing connection: handshake, PCM framing, the
// bridge into the ASR provider, and the publish+persist path for the
// resulting segments. The connection is read-only after the handshake ack;
// everything the session produces leaves through the bus.
type ingest struct {
	id        string
	meetingID string
	meta      Meta

	conn     *websocket.Conn
	reg      *registry.Registry
	bus      bus.Bus
	store    store.TranscriptStore
	provider asr.Provider
	metrics  *observe.Metrics
	log      *slog.Logger

	format          pcm.Format
	frameMax        int
	handshakeWait   time.Duration
	finalizeGrace   time.Duration
	defaultLanguage string
	endpointingMs   int

	handle    asr.SessionHandle
	state     atomic.Int32
	asrFailed atomic.Bool
	persistWG sync.WaitGroup

	// audioBytes counts forwarded PCM; only the stream loop touches it.
	audioBytes int

	closeOnce sync.Once
}

// closeConn sends the close frame exactly once. Later callers with a
// different verdict lose; the first cause wins. Closing the connection is
// also how blocked reads are interrupted, so the close frame always precedes
// the teardown of the read loop.
func (s *ingest) closeConn(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(code, clipReason(reason))
	})
}

func (s *ingest) setState(st ingestState) {
	s.state.Store(int32(st))
	s.log.Debug("ingest state", "state", st.String())
}

// run drives the session to completion and closes the connection. The caller
// has already authenticated the principal and claimed the meeting's ingest
// slot.
func (s *ingest) run(ctx context.Context) {
	s.setState(stateRegistered)
	started := time.Now()

	hs, ok := s.handshake(ctx)
	if !ok {
		s.setState(stateClosed)
		return
	}
	s.setState(stateHandshaken)

	handle, err := s.provider.StartStream(ctx, s.streamConfig(hs))
	if err != nil {
		s.log.Error("asr attach failed", "error", err)
		_ = s.writeAck(HandshakeAck{Type: TypeHandshakeAck, Status: "error", Message: "speech provider unavailable"})
		s.closeConn(websocket.StatusInternalError, "speech provider unavailable")
		s.setState(stateClosed)
		return
	}
	s.handle = handle
	s.setState(stateASRReady)

	if err := s.writeAck(HandshakeAck{Type: TypeHandshakeAck, Status: "success", SessionID: s.id}); err != nil {
		s.teardown(websocket.StatusNormalClosure, "")
		return
	}
	s.metrics.HandshakeDuration.Record(ctx, time.Since(started).Seconds())
	s.publishStatus(StatusIngestStarted, "")

	// The watcher turns a server shutdown into a graceful close frame; done
	// stops it once the stream loop has returned on its own.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeConn(websocket.StatusGoingAway, "server shutting down")
		case <-done:
		}
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pump(func() {
			s.closeConn(websocket.StatusInternalError, "speech provider failed")
		})
	}()

	s.setState(stateStreaming)
	code, reason := s.streamLoop(ctx)

	s.setState(stateDraining)
	fctx, fcancel := context.WithTimeout(context.Background(), s.finalizeGrace)
	if err := s.handle.Finalize(fctx); err != nil {
		s.log.Debug("asr finalize", "error", err)
	}
	fcancel()
	<-pumpDone
	s.persistWG.Wait()

	s.teardown(code, reason)
}

func (s *ingest) teardown(code websocket.StatusCode, reason string) {
	s.publishStatus(StatusIngestEnded, "")
	s.closeConn(code, reason)
	s.setState(stateClosed)
	s.log.Info("ingest ended",
		"meeting_id", s.meetingID,
		"audio", s.format.Duration(s.audioBytes).Round(time.Millisecond),
	)
}

// handshake reads and validates the session's first text frame. On any
// failure it sends a handshake_ack error as a text frame, closes the
// connection and reports false. The deadline is enforced by closing the
// connection from a timer rather than by a read context, so the timeout
// still reaches the client as an ack plus a 4000 close frame.
func (s *ingest) handshake(ctx context.Context) (Handshake, bool) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(s.handshakeWait, func() {
		timedOut.Store(true)
		s.rejectHandshake("handshake not received in time")
	})
	defer timer.Stop()

	var hs Handshake
	typ, data, err := s.conn.Read(ctx)
	if timedOut.Load() {
		s.setState(stateClosed)
		return hs, false
	}
	if err != nil {
		s.log.Debug("ingest gone before handshake", "error", err)
		s.closeConn(websocket.StatusNormalClosure, "")
		s.setState(stateClosed)
		return hs, false
	}
	if typ != websocket.MessageText {
		return hs, s.rejectHandshake("handshake must be a text frame")
	}
	if err := json.Unmarshal(data, &hs); err != nil {
		return hs, s.rejectHandshake("malformed handshake")
	}
	if hs.Type != "handshake" {
		return hs, s.rejectHandshake(`first frame must have type "handshake"`)
	}

	source := hs.Source
	if source == "sys" {
		source = "system"
	}
	if source == "" {
		source = s.meta.Source
	}
	if source != "mic" && source != "system" {
		return hs, s.rejectHandshake("source must be mic or system")
	}
	if hs.SampleRateHz != s.format.SampleRate {
		return hs, s.rejectHandshake(fmt.Sprintf("unsupported sample_rate_hz %d, expected %d", hs.SampleRateHz, s.format.SampleRate))
	}
	if hs.Channels != s.format.Channels {
		return hs, s.rejectHandshake(fmt.Sprintf("unsupported channels %d, expected %d", hs.Channels, s.format.Channels))
	}
	switch hs.Language {
	case "", "auto", "tr", "en":
	default:
		return hs, s.rejectHandshake("language must be tr, en or auto")
	}

	s.meta = Meta{Source: source, DeviceID: hs.DeviceID, AIMode: hs.AIMode}
	return hs, true
}

func (s *ingest) rejectHandshake(msg string) bool {
	s.log.Info("ingest handshake rejected", "reason", msg)
	_ = s.writeAck(HandshakeAck{Type: TypeHandshakeAck, Status: "error", Message: msg})
	s.closeConn(closeProtocolViolation, msg)
	s.setState(stateClosed)
	return false
}

func (s *ingest) writeAck(ack HandshakeAck) error {
	payload, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// streamConfig maps the validated handshake onto the provider's session
// parameters, filling in the configured defaults where the handshake is
// silent.
func (s *ingest) streamConfig(hs Handshake) asr.StreamConfig {
	lang := hs.Language
	if lang == "" {
		lang = s.defaultLanguage
	}
	cfg := asr.StreamConfig{
		SampleRate:    hs.SampleRateHz,
		Channels:      hs.Channels,
		Language:      lang,
		EndpointingMs: s.endpointingMs,
	}
	for _, phrase := range hs.Vocabulary {
		if phrase == "" {
			continue
		}
		cfg.Vocabulary = append(cfg.Vocabulary, asr.PhraseBoost{Phrase: phrase, Boost: 1})
	}
	return cfg
}

// streamLoop consumes client frames until the client leaves, a control
// message ends the stream, or the connection is closed out from under it by
// the shutdown watcher or an ASR failure. It returns the close verdict for
// the connection; ctx is consulted only to classify why a read ended.
func (s *ingest) streamLoop(ctx context.Context) (websocket.StatusCode, string) {
	for {
		typ, data, err := s.conn.Read(context.Background())
		if err != nil {
			if s.asrFailed.Load() {
				return websocket.StatusInternalError, "speech provider failed"
			}
			if ctx.Err() != nil {
				return websocket.StatusGoingAway, "server shutting down"
			}
			return websocket.StatusNormalClosure, ""
		}

		switch typ {
		case websocket.MessageBinary:
			if len(data) > s.frameMax {
				s.metrics.RecordFrameDropped(ctx, "oversize")
				s.log.Debug("dropping oversized frame", "bytes", len(data))
				continue
			}
			if err := s.format.ValidateFrame(data); err != nil {
				s.metrics.RecordFrameDropped(ctx, "invalid")
				continue
			}
			switch err := s.handle.SendPCM(data); {
			case err == nil:
				s.audioBytes += len(data)
				s.metrics.RecordFrame(ctx, s.meta.Source)
			case errors.Is(err, asr.ErrReconnecting):
				s.metrics.RecordFrameDropped(ctx, "asr")
			case errors.Is(err, asr.ErrFinalized):
				if s.asrFailed.Load() {
					return websocket.StatusInternalError, "speech provider failed"
				}
				return websocket.StatusNormalClosure, "stream finalized"
			default:
				s.metrics.RecordFrameDropped(ctx, "asr")
			}

		case websocket.MessageText:
			var ctl struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			switch ctl.Type {
			case "finalize", "close":
				return websocket.StatusNormalClosure, ""
			}
			// Anything else, including keepalive pongs, is ignored.
		}
	}
}

// pump forwards provider output to the bus until all three channels close.
// Finals take their number from the registry's atomic counter; partials are
// labelled with the provisional next number and never persisted. fail ends
// the stream loop when the provider reports a terminal failure.
func (s *ingest) pump(fail func()) {
	partials, finals, status := s.handle.Partials(), s.handle.Finals(), s.handle.Status()

	for partials != nil || finals != nil || status != nil {
		select {
		case seg, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.publishTranscript(seg, s.reg.CurrentSegmentNo(s.meetingID)+1, TypeTranscriptPartial)

		case seg, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			n := s.reg.NextSegmentNo(s.meetingID)
			s.persistWG.Add(1)
			go s.persist(seg, n)
			s.publishTranscript(seg, n, TypeTranscriptFinal)

		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			s.publishStatus(st.Kind.String(), st.Reason)
			switch st.Kind {
			case asr.StatusDegraded:
				s.metrics.ASRReconnects.Add(context.Background(), 1)
			case asr.StatusFailed:
				s.asrFailed.Store(true)
				fail()
			}
		}
	}
}

func (s *ingest) publishTranscript(seg asr.Segment, n uint64, typ string) {
	env := Transcript{
		Type:      typ,
		MeetingID: s.meetingID,
		SegmentNo: n,
		StartMS:   seg.Start.Milliseconds(),
		EndMS:     seg.End.Milliseconds(),
		Speaker:   seg.Speaker,
		Text:      seg.Text,
		TS:        time.Now().UTC(),
		Meta:      s.meta,
	}
	if seg.Confidence > 0 {
		c := seg.Confidence
		env.Confidence = &c
	}
	s.publish(env)
}

func (s *ingest) publishStatus(status, message string) {
	s.publish(Status{
		Type:      TypeStatus,
		MeetingID: s.meetingID,
		Status:    status,
		Message:   message,
		TS:        time.Now().UTC(),
		Meta:      s.meta,
	})
}

func (s *ingest) publish(env any) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.log.Error("envelope marshal failed", "error", err)
		return
	}
	s.bus.Publish(context.Background(), ChannelFor(s.meetingID), payload)
}

// persist writes one final in the background. A failure is logged and
// counted; the envelope was already published, durability loss of one final
// is preferred over stalling the stream.
func (s *ingest) persist(seg asr.Segment, n uint64) {
	defer s.persistWG.Done()
	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	row := store.Segment{
		MeetingID:   s.meetingID,
		SegmentNo:   n,
		Source:      s.meta.Source,
		StartMS:     seg.Start.Milliseconds(),
		EndMS:       seg.End.Milliseconds(),
		Speaker:     seg.Speaker,
		Text:        seg.Text,
		CreatedAt:   time.Now().UTC(),
		ProviderRaw: seg.Raw,
	}
	if seg.Confidence > 0 {
		c := seg.Confidence
		row.Confidence = &c
	}

	started := time.Now()
	err := s.store.AppendFinal(ctx, row)
	result := "ok"
	if err != nil {
		result = "error"
		s.log.Error("final segment not persisted", "segment_no", n, "error", err)
	}
	s.metrics.RecordFinalAppend(ctx, result, time.Since(started).Seconds())
}

// newIngest is called by the service once admission checks have passed.
func newIngest(conn *websocket.Conn, meetingID, source string, deps serviceDeps, limits ingestLimits, log *slog.Logger) *ingest {
	s := &ingest{
		id:        uuid.NewString(),
		meetingID: meetingID,
		meta:      Meta{Source: source},
		conn:      conn,
		reg:       deps.reg,
		bus:       deps.bus,
		store:     deps.store,
		provider:  deps.provider,
		metrics:   deps.metrics,

		format:          limits.format,
		frameMax:        limits.frameMax,
		handshakeWait:   limits.handshakeWait,
		finalizeGrace:   limits.finalizeGrace,
		defaultLanguage: limits.defaultLanguage,
		endpointingMs:   limits.endpointingMs,
	}
	s.log = log.With("session_id", s.id, "meeting_id", meetingID)
	return s
}
