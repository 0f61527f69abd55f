package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 5 * time.Second

// maxMissedPongs closes an unresponsive subscriber after this many unanswered
// application-level pings.
const maxMissedPongs = 2

// subscriber is one fan-out connection. Envelopes arrive from the bus via
// enqueue and a single writer goroutine drains the queue, so a stalled
// client can never block the bus delivery path.
type subscriber struct {
	id        string
	meetingID string
	conn      *websocket.Conn
	log       *slog.Logger

	queue       chan []byte
	inbound     chan struct{}
	envelopeMax int
	idle        time.Duration
	drainGrace  time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	code      websocket.StatusCode
	reason    string
}

func newSubscriber(conn *websocket.Conn, meetingID string, queueSize, envelopeMax int, idle, drainGrace time.Duration, log *slog.Logger) *subscriber {
	s := &subscriber{
		id:          uuid.NewString(),
		meetingID:   meetingID,
		conn:        conn,
		queue:       make(chan []byte, queueSize),
		inbound:     make(chan struct{}, 1),
		envelopeMax: envelopeMax,
		idle:        idle,
		drainGrace:  drainGrace,
		closed:      make(chan struct{}),
	}
	s.log = log.With("subscriber_id", s.id, "meeting_id", meetingID)
	return s
}

// enqueue hands an envelope to the writer. A full queue means the client is
// not keeping up; it is closed and the rest of the meeting is unaffected.
func (s *subscriber) enqueue(payload []byte) {
	select {
	case s.queue <- payload:
	default:
		s.log.Warn("subscriber queue overflow, dropping client")
		s.shutdown(websocket.StatusInternalError, "slow consumer")
	}
}

// shutdown records the close verdict exactly once and wakes the writer,
// which owns the actual close frame.
func (s *subscriber) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.code = code
		s.reason = reason
		close(s.closed)
	})
}

// run services the connection until the client goes away, the server drains
// or the session is closed for cause. It returns after the close frame is
// sent.
//
// Cancelling ctx does not close the connection outright: the ingest side is
// still flushing trailing finals and its terminal status, so the writer keeps
// draining the queue until the ingest_ended envelope has been delivered, or
// the drain grace expires.
func (s *subscriber) run(ctx context.Context) {
	go s.readLoop()

	ticker := time.NewTicker(s.idle)
	defer ticker.Stop()
	missed := 0
	done := ctx.Done()
	draining := false
	var drainExpired <-chan time.Time

	for {
		select {
		case <-done:
			done = nil
			draining = true
			drainExpired = time.After(s.drainGrace)

		case <-drainExpired:
			s.shutdown(websocket.StatusGoingAway, "server shutting down")

		case <-s.closed:
			_ = s.conn.Close(s.code, clipReason(s.reason))
			return

		case <-s.inbound:
			missed = 0
			ticker.Reset(s.idle)

		case payload := <-s.queue:
			if err := s.write(payload); err != nil {
				s.log.Debug("subscriber write failed", "error", err)
				s.shutdown(websocket.StatusNormalClosure, "")
				continue
			}
			if draining && isIngestEnded(payload) {
				s.shutdown(websocket.StatusGoingAway, "server shutting down")
			}

		case <-ticker.C:
			if missed >= maxMissedPongs {
				s.shutdown(websocket.StatusGoingAway, "client unresponsive")
				continue
			}
			missed++
			if err := s.write([]byte(`"ping"`)); err != nil {
				s.shutdown(websocket.StatusNormalClosure, "")
			}
		}
	}
}

// isIngestEnded reports whether payload is the terminal status envelope of a
// meeting's ingest, the last thing a draining subscriber waits for.
func isIngestEnded(payload []byte) bool {
	var env struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	return env.Type == TypeStatus && env.Status == StatusIngestEnded
}

func (s *subscriber) write(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, Truncate(payload, s.envelopeMax))
}

// readLoop consumes client frames purely as liveness signals. Subscribers
// send nothing meaningful upstream; "pong" and any other inbound frame both
// refresh the idle clock. Reads are bounded by the connection's lifetime, not
// by a context: cancelling a read mid-flight would drop the connection before
// the writer can send its close frame.
func (s *subscriber) readLoop() {
	for {
		if _, _, err := s.conn.Read(context.Background()); err != nil {
			s.shutdown(websocket.StatusNormalClosure, "")
			return
		}
		select {
		case s.inbound <- struct{}{}:
		default:
		}
	}
}
