// Package mock provides test doubles for the asr package interfaces.
//
// Use Streaming to feed scripted StreamResult values to a session under test
// and inspect the audio it submitted. Accurate and Diarizing return fixed
// segment sets for exercising the alignment and post-processing paths.
//
// Example:
//
//	s := &mock.Streaming{
//	    Results: []asr.StreamResult{{Text: "hello world", Confidence: 0.9}},
//	}
//	res, _ := s.Transcribe(ctx, pcmBytes, "")
package mock

import (
	"context"
	"sync"

	"github.com/lectern-ai/lectern/pkg/asr"
)

// TranscribeCall records a single invocation of Streaming.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
	// ContextHint is the decoding prompt passed to Transcribe.
	ContextHint string
}

// Streaming is a mock implementation of asr.Streaming.
type Streaming struct {
	mu sync.Mutex

	// Results are returned from successive Transcribe calls in order. Once
	// exhausted, the last element is returned repeatedly. When empty, a
	// zero-value StreamResult is returned.
	Results []asr.StreamResult

	// Errs are returned from successive Transcribe calls in order, paired
	// positionally with Results. A nil entry means success. Once exhausted,
	// calls succeed.
	Errs []error

	// Calls records every call to Transcribe.
	Calls []TranscribeCall

	next int
}

// Transcribe records the call and returns the next scripted result.
func (s *Streaming) Transcribe(_ context.Context, pcm16kMono []byte, contextHint string) (asr.StreamResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm16kMono))
	copy(cp, pcm16kMono)
	s.Calls = append(s.Calls, TranscribeCall{PCM: cp, ContextHint: contextHint})

	i := s.next
	s.next++
	if i < len(s.Errs) && s.Errs[i] != nil {
		return asr.StreamResult{}, s.Errs[i]
	}
	if len(s.Results) == 0 {
		return asr.StreamResult{}, nil
	}
	if i >= len(s.Results) {
		i = len(s.Results) - 1
	}
	return s.Results[i], nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (s *Streaming) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// ResetCalls clears recorded calls and rewinds the script. Thread-safe.
func (s *Streaming) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = nil
	s.next = 0
}

// Ensure Streaming implements asr.Streaming at compile time.
var _ asr.Streaming = (*Streaming)(nil)

// Accurate is a mock implementation of asr.Accurate.
type Accurate struct {
	mu sync.Mutex

	// Segments is returned by every successful TranscribeFile call.
	Segments []asr.TextSegment

	// Errs are returned from successive TranscribeFile calls in order. A nil
	// entry means success. Once exhausted, calls succeed. This supports
	// fail-then-recover retry tests.
	Errs []error

	// Paths records the wavPath argument of every call.
	Paths []string

	next int
}

// TranscribeFile records the call and returns Segments or the next scripted
// error.
func (a *Accurate) TranscribeFile(_ context.Context, wavPath string) ([]asr.TextSegment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Paths = append(a.Paths, wavPath)
	i := a.next
	a.next++
	if i < len(a.Errs) && a.Errs[i] != nil {
		return nil, a.Errs[i]
	}
	out := make([]asr.TextSegment, len(a.Segments))
	copy(out, a.Segments)
	return out, nil
}

// CallCount returns the number of TranscribeFile calls. Thread-safe.
func (a *Accurate) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Paths)
}

// Ensure Accurate implements asr.Accurate at compile time.
var _ asr.Accurate = (*Accurate)(nil)

// Diarizing is a mock implementation of asr.Diarizing.
type Diarizing struct {
	mu sync.Mutex

	// Segments is returned by every successful Diarize call.
	Segments []asr.SpeakerSegment

	// Errs are returned from successive Diarize calls in order. A nil entry
	// means success. Once exhausted, calls succeed.
	Errs []error

	// Paths records the wavPath argument of every call.
	Paths []string

	next int
}

// Diarize records the call and returns Segments or the next scripted error.
func (d *Diarizing) Diarize(_ context.Context, wavPath string) ([]asr.SpeakerSegment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Paths = append(d.Paths, wavPath)
	i := d.next
	d.next++
	if i < len(d.Errs) && d.Errs[i] != nil {
		return nil, d.Errs[i]
	}
	out := make([]asr.SpeakerSegment, len(d.Segments))
	copy(out, d.Segments)
	return out, nil
}

// CallCount returns the number of Diarize calls. Thread-safe.
func (d *Diarizing) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Paths)
}

// Ensure Diarizing implements asr.Diarizing at compile time.
var _ asr.Diarizing = (*Diarizing)(nil)
