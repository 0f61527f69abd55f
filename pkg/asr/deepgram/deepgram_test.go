package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/loopnote/relay/pkg/asr"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") should fail")
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithModel("nova-3"), WithEndpoint("https://stt.example.com/v1/listen"))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := p.buildURL(asr.StreamConfig{
		SampleRate:    16000,
		Channels:      1,
		Language:      "en",
		EndpointingMs: 300,
		Vocabulary:    []asr.PhraseBoost{{Phrase: "Loopnote", Boost: 5}},
	})
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "wss" {
		t.Errorf("scheme = %q, want wss (https must be rewritten)", u.Scheme)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"model":           "nova-3",
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"language":        "en",
		"interim_results": "true",
		"punctuate":       "true",
		"diarize":         "true",
		"endpointing":     "300",
		"keywords":        "Loopnote:5",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildURLAutoLanguage(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	raw, err := p.buildURL(asr.StreamConfig{SampleRate: 16000, Channels: 1, Language: "auto"})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(raw)
	if u.Query().Get("detect_language") != "true" {
		t.Error("auto language should enable detect_language")
	}
	if u.Query().Get("language") != "" {
		t.Error("auto language should not pin a language")
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 0.5,
		"duration": 1.0,
		"channel": {"alternatives": [{
			"transcript": "hello world",
			"confidence": 0.97,
			"words": [
				{"word": "hello", "start": 0.5, "end": 0.9, "speaker": 1},
				{"word": "world", "start": 0.9, "end": 1.4, "speaker": 1}
			]
		}]}
	}`)

	seg, ok := parseResult(raw)
	if !ok {
		t.Fatal("parseResult returned !ok")
	}
	if seg.Text != "hello world" {
		t.Errorf("Text = %q", seg.Text)
	}
	if !seg.IsFinal {
		t.Error("IsFinal = false, want true")
	}
	if seg.Start != 500*time.Millisecond || seg.End != 1400*time.Millisecond {
		t.Errorf("Start/End = %v/%v, want 500ms/1.4s", seg.Start, seg.End)
	}
	if seg.Speaker != "1" {
		t.Errorf("Speaker = %q, want \"1\"", seg.Speaker)
	}
	if seg.Confidence != 0.97 {
		t.Errorf("Confidence = %v", seg.Confidence)
	}
	if len(seg.Raw) == 0 {
		t.Error("Raw should retain the provider message")
	}
}

func TestParseResultSuppressesEmptyAndNoise(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty transcript": `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`,
		"metadata":         `{"type":"Metadata","request_id":"x"}`,
		"garbage":          `not json`,
	}
	for name, raw := range cases {
		if _, ok := parseResult([]byte(raw)); ok {
			t.Errorf("%s: parseResult returned ok, want suppressed", name)
		}
	}
}

// fakeServer speaks a minimal slice of the Deepgram streaming protocol: it
// echoes each binary frame as a final Results message and answers CloseStream
// with one trailing final before closing.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Token ") {
			t.Errorf("missing Token auth header, got %q", got)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		n := 0
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			switch typ {
			case websocket.MessageBinary:
				n++
				msg := map[string]any{
					"type": "Results", "is_final": true,
					"start": float64(n), "duration": 0.5,
					"channel": map[string]any{"alternatives": []any{
						map[string]any{"transcript": "seg", "confidence": 0.9},
					}},
				}
				b, _ := json.Marshal(msg)
				if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
			case websocket.MessageText:
				if strings.Contains(string(data), "CloseStream") {
					msg := `{"type":"Results","is_final":true,"start":9,"duration":0.5,"channel":{"alternatives":[{"transcript":"tail","confidence":0.9}]}}`
					_ = conn.Write(ctx, websocket.MessageText, []byte(msg))
					conn.Close(websocket.StatusNormalClosure, "stream finished")
					return
				}
			}
		}
	}))
}

func TestStreamRoundTripAndFinalize(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t)
	defer srv.Close()

	p, err := New("test-key", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, asr.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if err := sess.SendPCM(make([]byte, 1024)); err != nil {
		t.Fatalf("SendPCM: %v", err)
	}

	select {
	case seg := <-sess.Finals():
		if seg.Text != "seg" {
			t.Errorf("final Text = %q, want \"seg\"", seg.Text)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for final")
	}

	finCtx, finCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer finCancel()
	if err := sess.Finalize(finCtx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// The trailing final must have been delivered before the channel closed.
	var tail bool
	for seg := range sess.Finals() {
		if seg.Text == "tail" {
			tail = true
		}
	}
	if !tail {
		t.Error("trailing final not delivered during finalize grace")
	}

	// Finalize is idempotent and audio is rejected afterwards.
	if err := sess.Finalize(finCtx); err != nil {
		t.Errorf("second Finalize: %v", err)
	}
	if err := sess.SendPCM([]byte{0, 0}); !errors.Is(err, asr.ErrFinalized) {
		t.Errorf("SendPCM after finalize = %v, want ErrFinalized", err)
	}
}
