package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/lectern-ai/lectern/internal/align"
)

// AppendVersion writes a new transcript version inside a single transaction,
// assigning version_num = max(existing) + 1. The meeting row is locked for
// the duration so concurrent appends serialize per meeting. When
// meta.IdempotencyKey is set and a version with that key already exists, its
// version number is returned without writing anything.
func (s *Store) AppendVersion(ctx context.Context, meetingID string, source Source, content []align.Segment, meta VersionMeta) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if meta.IdempotencyKey != "" {
		var existing int
		err := tx.QueryRow(ctx,
			`SELECT version_num FROM transcript_versions
			 WHERE meeting_id = $1 AND idempotency_key = $2`,
			meetingID, meta.IdempotencyKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("store: idempotency lookup: %w", err)
		}
	}

	if err := lockMeeting(ctx, tx, meetingID); err != nil {
		return 0, err
	}

	var versionNum int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_num), 0) + 1 FROM transcript_versions WHERE meeting_id = $1`,
		meetingID).Scan(&versionNum)
	if err != nil {
		return 0, fmt.Errorf("store: next version_num: %w", err)
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("store: marshal content: %w", err)
	}
	configJSON, err := json.Marshal(meta.AlignmentConfig)
	if err != nil {
		return 0, fmt.Errorf("store: marshal alignment config: %w", err)
	}
	var metricsJSON []byte
	if meta.ConfidenceMetrics != nil {
		if metricsJSON, err = json.Marshal(meta.ConfidenceMetrics); err != nil {
			return 0, fmt.Errorf("store: marshal metrics: %w", err)
		}
	}
	var idemKey *string
	if meta.IdempotencyKey != "" {
		idemKey = &meta.IdempotencyKey
	}

	var versionID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO transcript_versions
		   (meeting_id, version_num, source, content_json, alignment_config, confidence_metrics, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		meetingID, versionNum, string(source), contentJSON, configJSON, metricsJSON, idemKey).Scan(&versionID)
	if err != nil {
		return 0, fmt.Errorf("store: insert version: %w", err)
	}

	for _, seg := range content {
		if err := insertSegment(ctx, tx, versionID, seg); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit append: %w", err)
	}
	return versionNum, nil
}

// EnsureLiveVersion returns the id of the meeting's live transcript version,
// creating it on first use. A freshly created live version becomes
// authoritative when no other version is.
func (s *Store) EnsureLiveVersion(ctx context.Context, meetingID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin ensure live: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockMeeting(ctx, tx, meetingID); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM transcript_versions
		 WHERE meeting_id = $1 AND source = $2
		 ORDER BY version_num DESC LIMIT 1`,
		meetingID, string(SourceLive)).Scan(&id)
	if err == nil {
		return id, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("store: find live version: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO transcript_versions (meeting_id, version_num, source, is_authoritative)
		 SELECT $1,
		        COALESCE(MAX(version_num), 0) + 1,
		        $2,
		        NOT EXISTS (SELECT 1 FROM transcript_versions WHERE meeting_id = $1 AND is_authoritative)
		 FROM transcript_versions WHERE meeting_id = $1
		 RETURNING id`,
		meetingID, string(SourceLive)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create live version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit ensure live: %w", err)
	}
	return id, nil
}

// AppendLiveSegment commits one final to the live version. Re-committing a
// final with the same start time is a no-op, which keeps the live transcript
// single-copy across session resumes.
func (s *Store) AppendLiveSegment(ctx context.Context, versionID int64, seg align.Segment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_segments
		   (version_id, text, audio_start_time_raw, audio_end_time_raw, formatted_time,
		    speaker_label, speaker_confidence, alignment_state, alignment_method)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (version_id, audio_start_time_raw)
		 WHERE alignment_method = 'live' DO NOTHING`,
		versionID, seg.Text, seg.StartSec, seg.EndSec, seg.FormattedTime,
		seg.SpeakerLabel, seg.SpeakerConfidence, string(seg.State), string(seg.Method))
	if err != nil {
		return fmt.Errorf("store: append live segment: %w", err)
	}
	return nil
}

// Promote marks the given version authoritative and clears the flag on all
// other versions of the meeting, transactionally.
func (s *Store) Promote(ctx context.Context, meetingID string, versionNum int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin promote: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE transcript_versions SET is_authoritative = FALSE
		 WHERE meeting_id = $1 AND is_authoritative`,
		meetingID); err != nil {
		return fmt.Errorf("store: demote versions: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE transcript_versions SET is_authoritative = TRUE
		 WHERE meeting_id = $1 AND version_num = $2`,
		meetingID, versionNum)
	if err != nil {
		return fmt.Errorf("store: promote version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit promote: %w", err)
	}
	return nil
}

// PromoteIfEligible promotes the version when the auto-promotion policy
// passes, comparing word counts against the meeting's live transcript.
// Returns ErrPromotionBlocked when the policy rejects; the version stays
// persisted and the previous authoritative version keeps its flag.
func (s *Store) PromoteIfEligible(ctx context.Context, meetingID string, versionNum int, metrics align.Metrics, newWordCount int, avgConfThreshold float64) error {
	liveWords, err := s.LiveWordCount(ctx, meetingID)
	if err != nil {
		return err
	}
	if !ShouldPromote(metrics, liveWords, newWordCount, avgConfThreshold) {
		return fmt.Errorf("%w: avg_confidence=%.3f live_words=%d new_words=%d",
			ErrPromotionBlocked, metrics.AvgConfidence, liveWords, newWordCount)
	}
	return s.Promote(ctx, meetingID, versionNum)
}

// List returns all versions of a meeting ordered by version_num, with content
// loaded from the denormalized segment rows.
func (s *Store) List(ctx context.Context, meetingID string) ([]TranscriptVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, meeting_id, version_num, source, is_authoritative,
		        alignment_config, confidence_metrics, created_at
		 FROM transcript_versions
		 WHERE meeting_id = $1
		 ORDER BY version_num`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	defer rows.Close()

	var versions []TranscriptVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}

	for i := range versions {
		if versions[i].Content, err = s.versionSegments(ctx, versions[i].ID); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// GetAuthoritative returns the meeting's authoritative version, or nil when
// no version is authoritative.
func (s *Store) GetAuthoritative(ctx context.Context, meetingID string) (*TranscriptVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, meeting_id, version_num, source, is_authoritative,
		        alignment_config, confidence_metrics, created_at
		 FROM transcript_versions
		 WHERE meeting_id = $1 AND is_authoritative`,
		meetingID)

	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if v.Content, err = s.versionSegments(ctx, v.ID); err != nil {
		return nil, err
	}
	return &v, nil
}

// LiveWordCount returns the word count of the meeting's latest live version,
// or 0 when none exists.
func (s *Store) LiveWordCount(ctx context.Context, meetingID string) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seg.text
		 FROM transcript_segments seg
		 JOIN transcript_versions v ON v.id = seg.version_id
		 WHERE v.meeting_id = $1 AND v.source = $2
		   AND v.version_num = (SELECT MAX(version_num) FROM transcript_versions
		                        WHERE meeting_id = $1 AND source = $2)`,
		meetingID, string(SourceLive))
	if err != nil {
		return 0, fmt.Errorf("store: live word count: %w", err)
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return 0, fmt.Errorf("store: live word count: %w", err)
		}
		total += len(strings.Fields(text))
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("store: live word count: %w", err)
	}
	return total, nil
}

// ShouldPromote implements the auto-promotion policy: the average alignment
// confidence must reach avgConfThreshold and the new word count must be
// within 5% of the live transcript's. A meeting without live text passes the
// drift check trivially.
func ShouldPromote(metrics align.Metrics, liveWordCount, newWordCount int, avgConfThreshold float64) bool {
	if metrics.AvgConfidence < avgConfThreshold {
		return false
	}
	if liveWordCount == 0 {
		return true
	}
	drift := math.Abs(float64(newWordCount-liveWordCount)) / float64(liveWordCount)
	return drift <= 0.05
}

// WordCount counts whitespace-delimited words across segments.
func WordCount(segments []align.Segment) int {
	total := 0
	for _, s := range segments {
		total += len(strings.Fields(s.Text))
	}
	return total
}

// lockMeeting takes a row lock on the meeting, serializing version writes per
// meeting. Returns ErrMeetingNotFound when the row does not exist.
func lockMeeting(ctx context.Context, tx pgx.Tx, meetingID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM meetings WHERE id = $1 FOR UPDATE`, meetingID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
	}
	if err != nil {
		return fmt.Errorf("store: lock meeting: %w", err)
	}
	return nil
}

// insertSegment writes one denormalized segment row for a version.
func insertSegment(ctx context.Context, tx pgx.Tx, versionID int64, seg align.Segment) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transcript_segments
		   (version_id, text, audio_start_time_raw, audio_end_time_raw, formatted_time,
		    speaker_label, speaker_confidence, alignment_state, alignment_method)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		versionID, seg.Text, seg.StartSec, seg.EndSec, seg.FormattedTime,
		seg.SpeakerLabel, seg.SpeakerConfidence, string(seg.State), string(seg.Method))
	if err != nil {
		return fmt.Errorf("store: insert segment: %w", err)
	}
	return nil
}

// versionSegments loads a version's segments in ascending time order.
func (s *Store) versionSegments(ctx context.Context, versionID int64) ([]align.Segment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT text, audio_start_time_raw, audio_end_time_raw, formatted_time,
		        speaker_label, speaker_confidence, alignment_state, alignment_method
		 FROM transcript_segments
		 WHERE version_id = $1
		 ORDER BY audio_start_time_raw`,
		versionID)
	if err != nil {
		return nil, fmt.Errorf("store: load segments: %w", err)
	}
	defer rows.Close()

	var segments []align.Segment
	for rows.Next() {
		var seg align.Segment
		var state, method string
		if err := rows.Scan(&seg.Text, &seg.StartSec, &seg.EndSec, &seg.FormattedTime,
			&seg.SpeakerLabel, &seg.SpeakerConfidence, &state, &method); err != nil {
			return nil, fmt.Errorf("store: scan segment: %w", err)
		}
		seg.State = align.State(state)
		seg.Method = align.Method(method)
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load segments: %w", err)
	}
	return segments, nil
}

// scanVersion scans the shared version column set.
func scanVersion(row pgx.Row) (TranscriptVersion, error) {
	var v TranscriptVersion
	var source string
	var configJSON []byte
	var metricsJSON []byte
	err := row.Scan(&v.ID, &v.MeetingID, &v.VersionNum, &source, &v.IsAuthoritative,
		&configJSON, &metricsJSON, &v.CreatedAt)
	if err != nil {
		return TranscriptVersion{}, err
	}
	v.Source = Source(source)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &v.AlignmentConfig); err != nil {
			return TranscriptVersion{}, fmt.Errorf("store: unmarshal alignment config: %w", err)
		}
	}
	if len(metricsJSON) > 0 {
		v.ConfidenceMetrics = &align.Metrics{}
		if err := json.Unmarshal(metricsJSON, v.ConfidenceMetrics); err != nil {
			return TranscriptVersion{}, fmt.Errorf("store: unmarshal metrics: %w", err)
		}
	}
	return v, nil
}
