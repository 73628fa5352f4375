package postprocess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lectern-ai/lectern/internal/align"
	"github.com/lectern-ai/lectern/internal/recorder"
	"github.com/lectern-ai/lectern/pkg/asr"
	"github.com/lectern-ai/lectern/pkg/asr/mock"
)

// recordMeeting writes a short recording under the given meeting ID so
// MergeToWAV has chunks to work with.
func recordMeeting(t *testing.T, reg *recorder.Registry, meetingID string) {
	t.Helper()
	rec, err := reg.Start(meetingID)
	if err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	rec.Write(make([]int16, 16000), 0)
	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}
}

func testTexts() []asr.TextSegment {
	return []asr.TextSegment{
		{Text: "good morning everyone", StartSec: 0, EndSec: 2, Confidence: 0.95},
		{Text: "thanks for joining on short notice", StartSec: 2.2, EndSec: 4.5, Confidence: 0.9},
	}
}

func testSpeakers() []asr.SpeakerSegment {
	return []asr.SpeakerSegment{
		{SpeakerLabel: "SPEAKER_00", StartSec: 0, EndSec: 2.1},
		{SpeakerLabel: "SPEAKER_01", StartSec: 2.1, EndSec: 4.6},
	}
}

func TestRunWithoutStore(t *testing.T) {
	reg := recorder.NewRegistry(t.TempDir())
	recordMeeting(t, reg, "meeting-run")

	r := New(nil, reg,
		&mock.Accurate{Segments: testTexts()},
		&mock.Diarizing{Segments: testSpeakers()},
		align.Config{}, 0.75)

	if err := r.Run(context.Background(), "meeting-run"); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestTranscribeAndAlignAssignsSpeakers(t *testing.T) {
	reg := recorder.NewRegistry(t.TempDir())
	recordMeeting(t, reg, "meeting-align")
	wav, err := reg.MergeToWAV("meeting-align")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	acc := &mock.Accurate{Segments: testTexts()}
	dia := &mock.Diarizing{Segments: testSpeakers()}
	r := New(nil, reg, acc, dia, align.Config{}, 0.75)

	segments, metrics, err := r.transcribeAndAlign(context.Background(), wav)
	if err != nil {
		t.Fatalf("transcribeAndAlign: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0].SpeakerLabel != "SPEAKER_00" || segments[1].SpeakerLabel != "SPEAKER_01" {
		t.Errorf("speakers = %q, %q", segments[0].SpeakerLabel, segments[1].SpeakerLabel)
	}
	if metrics.TotalSegments != 2 {
		t.Errorf("metrics.TotalSegments = %d", metrics.TotalSegments)
	}
	if acc.CallCount() != 1 || dia.CallCount() != 1 {
		t.Errorf("call counts = %d, %d, want 1 each", acc.CallCount(), dia.CallCount())
	}
}

func TestTranscribeAndAlignRetriesTransient(t *testing.T) {
	reg := recorder.NewRegistry(t.TempDir())
	recordMeeting(t, reg, "meeting-retry")
	wav, err := reg.MergeToWAV("meeting-retry")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	acc := &mock.Accurate{
		Segments: testTexts(),
		Errs:     []error{fmt.Errorf("upstream busy: %w", asr.ErrTransient), nil},
	}
	r := New(nil, reg, acc, &mock.Diarizing{Segments: testSpeakers()}, align.Config{}, 0.75)

	if _, _, err := r.transcribeAndAlign(context.Background(), wav); err != nil {
		t.Fatalf("transcribeAndAlign after transient: %v", err)
	}
	if acc.CallCount() != 2 {
		t.Errorf("accurate calls = %d, want 2 (one retry)", acc.CallCount())
	}
}

func TestRunPermanentTranscriptionFailure(t *testing.T) {
	reg := recorder.NewRegistry(t.TempDir())
	recordMeeting(t, reg, "meeting-fail")

	acc := &mock.Accurate{
		Errs: []error{fmt.Errorf("unsupported audio: %w", asr.ErrPermanent)},
	}
	r := New(nil, reg, acc, &mock.Diarizing{Segments: testSpeakers()}, align.Config{}, 0.75)

	err := r.Run(context.Background(), "meeting-fail")
	if err == nil {
		t.Fatal("Run succeeded despite permanent transcription failure")
	}
	if acc.CallCount() != 1 {
		t.Errorf("accurate calls = %d, want 1 (no retry on permanent)", acc.CallCount())
	}
}

func TestRunMissingRecording(t *testing.T) {
	reg := recorder.NewRegistry(t.TempDir())
	r := New(nil, reg, &mock.Accurate{}, &mock.Diarizing{}, align.Config{}, 0.75)

	err := r.Run(context.Background(), "no-such-meeting")
	if err == nil {
		t.Fatal("Run succeeded without a recording")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"empty inputs", fmt.Errorf("postprocess: align: %w", align.ErrInputsEmpty), reasonEmptyInputs},
		{"diarization", errors.New("postprocess: diarization: boom"), reasonDiarization},
		{"transcription", errors.New("postprocess: accurate transcription: boom"), reasonTranscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpeakerLabels(t *testing.T) {
	segments := []align.Segment{
		{SpeakerLabel: "SPEAKER_01"},
		{SpeakerLabel: align.UnknownSpeaker},
		{SpeakerLabel: "SPEAKER_00"},
		{SpeakerLabel: "SPEAKER_01"},
		{SpeakerLabel: ""},
	}
	got := speakerLabels(segments)
	if len(got) != 2 || got[0] != "SPEAKER_01" || got[1] != "SPEAKER_00" {
		t.Errorf("speakerLabels = %v", got)
	}
}

func TestContentKeyStable(t *testing.T) {
	segments := []align.Segment{{Text: "hello", SpeakerLabel: "SPEAKER_00", StartSec: 0.5}}
	k1 := contentKey("m1", segments)
	k2 := contentKey("m1", segments)
	if k1 != k2 {
		t.Errorf("key not stable: %q vs %q", k1, k2)
	}
	if !strings.HasPrefix(k1, "diarized-") {
		t.Errorf("key %q missing prefix", k1)
	}
	if contentKey("m2", segments) == k1 {
		t.Error("different meetings share a key")
	}
}
