// Package asr defines the speech-recognition provider interfaces used by the
// Lectern pipeline and the transcript types they exchange.
//
// Three recogniser roles exist:
//
//   - [Streaming] — fast, cheap transcription of a rolling buffer; drives the
//     live partial/final feed.
//   - [Accurate] — slower, higher-accuracy transcription of a complete file;
//     drives post-meeting re-transcription.
//   - [Diarizing] — speaker segmentation of a complete file.
//
// Implementations live in the sub-packages (whisperhttp, whispercpp, openai,
// pyannote) plus deterministic test doubles in mock. All implementations must
// be safe for concurrent use; a single provider serves many sessions.
//
// Errors are classified for retry policy: wrap retryable failures with
// [ErrTransient] (network timeouts, 5xx, throttling) and permanent ones with
// [ErrPermanent] (bad credentials, unsupported audio). [IsTransient] is the
// single decision point used by the session retry loop and the post-processor.
package asr

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks a failure worth retrying with backoff.
	ErrTransient = errors.New("asr: transient failure")

	// ErrPermanent marks a failure that retrying cannot fix.
	ErrPermanent = errors.New("asr: permanent failure")
)

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as transient so that a provider which forgets to wrap does not
// permanently degrade a session on a blip.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}

// Word is a word-level recognition detail for providers that report it.
type Word struct {
	Text       string
	StartSec   float64
	EndSec     float64
	Confidence float64
}

// StreamResult is the output of one [Streaming.Transcribe] call over a buffer
// of audio.
type StreamResult struct {
	// Text is the transcription of the whole buffer.
	Text string

	// Confidence is the overall confidence in [0, 1]. Zero when the provider
	// does not report one.
	Confidence float64

	// Words holds per-word detail when available; may be nil.
	Words []Word
}

// TextSegment is one timed span of recognised text from an [Accurate]
// transcription. Times are seconds from the start of the file.
type TextSegment struct {
	Text       string
	StartSec   float64
	EndSec     float64
	Confidence float64
}

// SpeakerSegment is one speaker-homogeneous interval from a [Diarizing] run.
// Times are seconds from the start of the file.
type SpeakerSegment struct {
	SpeakerLabel string
	StartSec     float64
	EndSec       float64
}

// Streaming is the fast recogniser behind the live transcript feed. Transcribe
// is called with a snapshot of the session's rolling buffer; contextHint
// carries the tail of previously committed text to bias decoding.
type Streaming interface {
	Transcribe(ctx context.Context, pcm16kMono []byte, contextHint string) (StreamResult, error)
}

// Accurate is the high-accuracy file recogniser used by post-processing.
type Accurate interface {
	TranscribeFile(ctx context.Context, wavPath string) ([]TextSegment, error)
}

// Diarizing returns speaker-labelled time segments for a complete file.
type Diarizing interface {
	Diarize(ctx context.Context, wavPath string) ([]SpeakerSegment, error)
}
