// Package store provides the PostgreSQL-backed persistence layer for
// meetings, audio chunk records, transcript versions and speaker mappings.
//
// Transcript versioning is append-only: versions are never mutated after
// insert except for the is_authoritative flag, and at most one version per
// meeting is authoritative at any time. All operations share a single
// [pgxpool.Pool] and are safe for concurrent use.
//
// Usage:
//
//	st, err := store.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	num, _ := st.AppendVersion(ctx, meetingID, store.SourceDiarized, segments, meta)
//	_ = st.Promote(ctx, meetingID, num)
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMeetings = `
CREATE TABLE IF NOT EXISTS meetings (
    id                  TEXT         PRIMARY KEY,
    owner_id            TEXT         NOT NULL DEFAULT '',
    audio_recorded      BOOLEAN      NOT NULL DEFAULT FALSE,
    diarization_status  TEXT         NOT NULL DEFAULT 'pending',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_meetings_owner_id ON meetings (owner_id);
`

const ddlAudioChunks = `
CREATE TABLE IF NOT EXISTS audio_chunks (
    id              BIGSERIAL    PRIMARY KEY,
    meeting_id      TEXT         NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    seq             INTEGER      NOT NULL,
    started_at_sec  DOUBLE PRECISION NOT NULL,
    path            TEXT         NOT NULL,
    byte_count      BIGINT       NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (meeting_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_audio_chunks_meeting_id
    ON audio_chunks (meeting_id);
`

const ddlTranscriptVersions = `
CREATE TABLE IF NOT EXISTS transcript_versions (
    id                  BIGSERIAL    PRIMARY KEY,
    meeting_id          TEXT         NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    version_num         INTEGER      NOT NULL,
    source              TEXT         NOT NULL,
    content_json        JSONB        NOT NULL DEFAULT '[]',
    is_authoritative    BOOLEAN      NOT NULL DEFAULT FALSE,
    alignment_config    JSONB        NOT NULL DEFAULT '{}',
    confidence_metrics  JSONB,
    idempotency_key     TEXT,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (meeting_id, version_num)
);

CREATE INDEX IF NOT EXISTS idx_versions_meeting_id
    ON transcript_versions (meeting_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_authoritative
    ON transcript_versions (meeting_id) WHERE is_authoritative;

CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_idempotency
    ON transcript_versions (meeting_id, idempotency_key)
    WHERE idempotency_key IS NOT NULL;
`

const ddlTranscriptSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id                   BIGSERIAL    PRIMARY KEY,
    version_id           BIGINT       NOT NULL REFERENCES transcript_versions (id) ON DELETE CASCADE,
    text                 TEXT         NOT NULL,
    audio_start_time_raw REAL         NOT NULL,
    audio_end_time_raw   REAL         NOT NULL,
    formatted_time       TEXT         NOT NULL DEFAULT '',
    speaker_label        TEXT         NOT NULL DEFAULT '',
    speaker_confidence   REAL         NOT NULL DEFAULT 0,
    alignment_state      TEXT         NOT NULL DEFAULT '',
    alignment_method     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_segments_version_id
    ON transcript_segments (version_id);

-- Makes live re-commits idempotent across session resumes. Scoped to live
-- segments so aligned versions may legally contain zero-duration segments
-- sharing a start.
CREATE UNIQUE INDEX IF NOT EXISTS idx_segments_live_start
    ON transcript_segments (version_id, audio_start_time_raw)
    WHERE alignment_method = 'live';
`

const ddlSpeakerMappings = `
CREATE TABLE IF NOT EXISTS speaker_mappings (
    meeting_id         TEXT         NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    diarization_label  TEXT         NOT NULL,
    display_name       TEXT         NOT NULL,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (meeting_id, diarization_label)
);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlMeetings,
		ddlAudioChunks,
		ddlTranscriptVersions,
		ddlTranscriptSegments,
		ddlSpeakerMappings,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
