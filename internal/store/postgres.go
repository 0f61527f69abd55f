package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the transcript_segments table. It is idempotent
// and applied on every start via [Postgres.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    meeting_id   TEXT             NOT NULL,
    segment_no   BIGINT           NOT NULL,
    source       TEXT             NOT NULL DEFAULT '',
    start_ms     BIGINT           NOT NULL DEFAULT 0,
    end_ms       BIGINT           NOT NULL DEFAULT 0,
    speaker      TEXT             NOT NULL DEFAULT '',
    text         TEXT             NOT NULL,
    confidence   DOUBLE PRECISION,
    is_final     BOOLEAN          NOT NULL DEFAULT TRUE,
    created_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
    provider_raw JSONB            NOT NULL DEFAULT '{}',
    PRIMARY KEY (meeting_id, segment_no)
);
CREATE INDEX IF NOT EXISTS idx_transcript_segments_meeting_created
    ON transcript_segments (meeting_id, created_at);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Postgres is a [TranscriptStore] backed by a PostgreSQL database.
type Postgres struct {
	db   DB
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ TranscriptStore = (*Postgres)(nil)

// NewPostgres connects to the database at dsn, verifies reachability and
// applies [Schema].
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Postgres{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// newWithDB wires an existing connection without pool ownership. Used by tests.
func newWithDB(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL, creating the transcript_segments table
// and index if they do not already exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// AppendFinal inserts seg. A replay of an already-persisted
// (meeting_id, segment_no) is swallowed by ON CONFLICT DO NOTHING, keeping
// the first write authoritative.
func (s *Postgres) AppendFinal(ctx context.Context, seg Segment) error {
	const query = `
		INSERT INTO transcript_segments (
			meeting_id, segment_no, source, start_ms, end_ms,
			speaker, text, confidence, is_final, created_at, provider_raw
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE,$9,$10)
		ON CONFLICT (meeting_id, segment_no) DO NOTHING`

	createdAt := seg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx, query,
		seg.MeetingID, int64(seg.SegmentNo), seg.Source, seg.StartMS, seg.EndMS,
		seg.Speaker, seg.Text, seg.Confidence, createdAt, rawJSON(seg.ProviderRaw),
	)
	if err != nil {
		return fmt.Errorf("store: append final %s/%d: %w", seg.MeetingID, seg.SegmentNo, err)
	}
	return nil
}

// Ping reports database reachability.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// rawJSON returns raw if non-empty, otherwise an empty JSON object so the
// JSONB column never receives NULL.
func rawJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
