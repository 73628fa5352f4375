package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Meeting is the durable record of one recording session.
type Meeting struct {
	ID                string
	OwnerID           string
	AudioRecorded     bool
	DiarizationStatus string
	CreatedAt         time.Time
}

// ChunkRecord is the durable record of one on-disk PCM chunk.
type ChunkRecord struct {
	MeetingID    string
	Seq          int
	StartedAtSec float64
	Path         string
	ByteCount    int64
}

// SpeakerMapping maps a diarization label to a user-visible display name.
type SpeakerMapping struct {
	MeetingID        string
	DiarizationLabel string
	DisplayName      string
}

// CreateMeeting inserts a meeting row if it does not exist yet.
func (s *Store) CreateMeeting(ctx context.Context, id, ownerID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO meetings (id, owner_id) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		id, ownerID)
	if err != nil {
		return fmt.Errorf("store: create meeting: %w", err)
	}
	return nil
}

// GetMeeting returns the meeting row, or ErrMeetingNotFound.
func (s *Store) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	var m Meeting
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, audio_recorded, diarization_status, created_at
		 FROM meetings WHERE id = $1`, id).
		Scan(&m.ID, &m.OwnerID, &m.AudioRecorded, &m.DiarizationStatus, &m.CreatedAt)
	if err != nil {
		return Meeting{}, fmt.Errorf("%w: %s", ErrMeetingNotFound, id)
	}
	return m, nil
}

// SetAudioRecorded flags the meeting as having on-disk audio.
func (s *Store) SetAudioRecorded(ctx context.Context, meetingID string, recorded bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET audio_recorded = $2 WHERE id = $1`, meetingID, recorded)
	if err != nil {
		return fmt.Errorf("store: set audio_recorded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
	}
	return nil
}

// SetDiarizationStatus updates the meeting's post-processing status, e.g.
// "pending", "running", "complete" or "failed(<reason>)".
func (s *Store) SetDiarizationStatus(ctx context.Context, meetingID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET diarization_status = $2 WHERE id = $1`, meetingID, status)
	if err != nil {
		return fmt.Errorf("store: set diarization_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
	}
	return nil
}

// RecordChunk registers one closed PCM chunk. Re-registering the same
// (meeting, seq) pair is a no-op, so recorder close paths can retry safely.
func (s *Store) RecordChunk(ctx context.Context, c ChunkRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audio_chunks (meeting_id, seq, started_at_sec, path, byte_count)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (meeting_id, seq) DO NOTHING`,
		c.MeetingID, c.Seq, c.StartedAtSec, c.Path, c.ByteCount)
	if err != nil {
		return fmt.Errorf("store: record chunk: %w", err)
	}
	return nil
}

// ListChunks returns the meeting's chunk records in sequence order.
func (s *Store) ListChunks(ctx context.Context, meetingID string) ([]ChunkRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT meeting_id, seq, started_at_sec, path, byte_count
		 FROM audio_chunks WHERE meeting_id = $1 ORDER BY seq`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		if err := rows.Scan(&c.MeetingID, &c.Seq, &c.StartedAtSec, &c.Path, &c.ByteCount); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list chunks: %w", err)
	}
	return chunks, nil
}

// EnsureSpeakerMapping creates a mapping for a diarization label on first
// sight, defaulting the display name via [DefaultDisplayName]. Existing
// mappings, including user-renamed ones, are left untouched.
func (s *Store) EnsureSpeakerMapping(ctx context.Context, meetingID, label string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO speaker_mappings (meeting_id, diarization_label, display_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (meeting_id, diarization_label) DO NOTHING`,
		meetingID, label, DefaultDisplayName(label))
	if err != nil {
		return fmt.Errorf("store: ensure speaker mapping: %w", err)
	}
	return nil
}

// DefaultDisplayName turns a diarization label like "SPEAKER_00" into a
// human-friendly "Speaker 1". Labels without a numeric suffix pass through
// unchanged.
func DefaultDisplayName(label string) string {
	i := len(label)
	for i > 0 && label[i-1] >= '0' && label[i-1] <= '9' {
		i--
	}
	if i == len(label) {
		return label
	}
	n, err := strconv.Atoi(label[i:])
	if err != nil {
		return label
	}
	return fmt.Sprintf("Speaker %d", n+1)
}

// RenameSpeaker sets the display name for a diarization label.
func (s *Store) RenameSpeaker(ctx context.Context, meetingID, label, displayName string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE speaker_mappings SET display_name = $3
		 WHERE meeting_id = $1 AND diarization_label = $2`,
		meetingID, label, displayName)
	if err != nil {
		return fmt.Errorf("store: rename speaker: %w", err)
	}
	return nil
}

// ListSpeakerMappings returns the meeting's speaker mappings ordered by label.
func (s *Store) ListSpeakerMappings(ctx context.Context, meetingID string) ([]SpeakerMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT meeting_id, diarization_label, display_name
		 FROM speaker_mappings WHERE meeting_id = $1 ORDER BY diarization_label`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("store: list speaker mappings: %w", err)
	}
	defer rows.Close()

	var mappings []SpeakerMapping
	for rows.Next() {
		var m SpeakerMapping
		if err := rows.Scan(&m.MeetingID, &m.DiarizationLabel, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("store: scan speaker mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list speaker mappings: %w", err)
	}
	return mappings, nil
}
