package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lectern-ai/lectern/internal/align"
)

var (
	// ErrMeetingNotFound is returned when the referenced meeting row does
	// not exist.
	ErrMeetingNotFound = errors.New("store: meeting not found")

	// ErrVersionNotFound is returned when the referenced transcript version
	// does not exist.
	ErrVersionNotFound = errors.New("store: transcript version not found")

	// ErrPromotionBlocked is returned by PromoteIfEligible when the
	// confidence metrics did not meet the auto-promotion thresholds. The
	// version is persisted either way.
	ErrPromotionBlocked = errors.New("store: promotion blocked by metrics")
)

// Source identifies how a transcript version was produced.
type Source string

const (
	SourceLive       Source = "live"
	SourceDiarized   Source = "diarized"
	SourceManualEdit Source = "manual_edit"
)

// TranscriptVersion is one append-only transcript revision of a meeting.
type TranscriptVersion struct {
	ID                int64
	MeetingID         string
	VersionNum        int
	Source            Source
	IsAuthoritative   bool
	Content           []align.Segment
	AlignmentConfig   align.Config
	ConfidenceMetrics *align.Metrics
	CreatedAt         time.Time
}

// VersionMeta carries the optional metadata recorded alongside a version.
type VersionMeta struct {
	AlignmentConfig   align.Config
	ConfidenceMetrics *align.Metrics

	// IdempotencyKey makes AppendVersion safe to retry: a second append with
	// the same key returns the already-assigned version number.
	IdempotencyKey string
}

// Store is the PostgreSQL-backed persistence layer. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at dsn
// and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
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

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
