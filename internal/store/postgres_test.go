package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// mockDB implements the DB interface for testing.
type mockDB struct {
	execFunc func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	pingErr  error
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

func TestPostgresMigrate(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
				if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS transcript_segments") {
					t.Errorf("Migrate SQL should create transcript_segments, got: %s", sql)
				}
				return pgconn.CommandTag{}, nil
			},
		}
		if err := newWithDB(db).Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() unexpected error: %v", err)
		}
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("connection refused")
			},
		}
		err := newWithDB(db).Migrate(context.Background())
		if err == nil {
			t.Fatal("Migrate() expected error, got nil")
		}
		if !strings.Contains(err.Error(), "store: migrate:") {
			t.Errorf("error = %q, want prefix 'store: migrate:'", err.Error())
		}
	})
}

func TestPostgresAppendFinal(t *testing.T) {
	t.Parallel()

	fixedTime := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	conf := 0.93

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		var capturedSQL string
		var capturedArgs []any
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				capturedSQL = sql
				capturedArgs = args
				return pgconn.CommandTag{}, nil
			},
		}

		seg := Segment{
			MeetingID:   "m-42",
			SegmentNo:   7,
			Source:      "mic",
			StartMS:     1200,
			EndMS:       3400,
			Speaker:     "0",
			Text:        "hello there",
			Confidence:  &conf,
			CreatedAt:   fixedTime,
			ProviderRaw: []byte(`{"type":"Results"}`),
		}
		if err := newWithDB(db).AppendFinal(context.Background(), seg); err != nil {
			t.Fatalf("AppendFinal() unexpected error: %v", err)
		}

		if !strings.Contains(capturedSQL, "ON CONFLICT (meeting_id, segment_no) DO NOTHING") {
			t.Errorf("SQL should be idempotent on the segment key, got: %s", capturedSQL)
		}
		if len(capturedArgs) != 10 {
			t.Fatalf("expected 10 args, got %d", len(capturedArgs))
		}
		if capturedArgs[0] != "m-42" || capturedArgs[1] != int64(7) {
			t.Errorf("key args = %v %v, want m-42 7", capturedArgs[0], capturedArgs[1])
		}
		if capturedArgs[6] != "hello there" {
			t.Errorf("text arg = %v, want 'hello there'", capturedArgs[6])
		}
		if capturedArgs[7] != &conf {
			t.Errorf("confidence arg = %v, want pointer to %v", capturedArgs[7], conf)
		}
		if capturedArgs[8] != fixedTime {
			t.Errorf("created_at = %v, want %v", capturedArgs[8], fixedTime)
		}
	})

	t.Run("nil confidence and raw default", func(t *testing.T) {
		t.Parallel()

		var capturedArgs []any
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
				capturedArgs = args
				return pgconn.CommandTag{}, nil
			},
		}

		seg := Segment{MeetingID: "m", SegmentNo: 1, Text: "x"}
		if err := newWithDB(db).AppendFinal(context.Background(), seg); err != nil {
			t.Fatalf("AppendFinal() unexpected error: %v", err)
		}
		if conf, ok := capturedArgs[7].(*float64); !ok || conf != nil {
			t.Errorf("confidence arg = %v, want typed nil", capturedArgs[7])
		}
		if raw := capturedArgs[9].([]byte); string(raw) != "{}" {
			t.Errorf("provider_raw = %q, want {} for empty raw", raw)
		}
		if ts := capturedArgs[8].(time.Time); ts.IsZero() {
			t.Error("zero CreatedAt should be replaced with a wall-clock timestamp")
		}
	})

	t.Run("db error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("disk full")
			},
		}
		err := newWithDB(db).AppendFinal(context.Background(), Segment{MeetingID: "m", SegmentNo: 2, Text: "x"})
		if err == nil {
			t.Fatal("AppendFinal() expected error, got nil")
		}
		if !strings.Contains(err.Error(), "store: append final m/2:") {
			t.Errorf("error = %q, want the segment key in the message", err.Error())
		}
	})
}

func TestPostgresPing(t *testing.T) {
	t.Parallel()

	if err := newWithDB(&mockDB{}).Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
	down := &mockDB{pingErr: errors.New("down")}
	if err := newWithDB(down).Ping(context.Background()); err == nil {
		t.Error("Ping() with unreachable database should fail")
	}
}
