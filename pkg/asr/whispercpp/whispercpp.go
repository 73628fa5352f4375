// Package whispercpp provides an [asr.Accurate] recogniser backed by the
// whisper.cpp CGO bindings, eliminating HTTP overhead for on-box
// post-processing. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// The model is loaded once at construction and shared across all calls; each
// call creates its own whisper context because contexts are not thread-safe.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/lectern-ai/lectern/pkg/asr"
	"github.com/lectern-ai/lectern/pkg/pcm"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider satisfies asr.Accurate.
var _ asr.Accurate = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription. Defaults to
// "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements [asr.Accurate] using the whisper.cpp Go bindings.
type Provider struct {
	model    whisperlib.Model
	language string
}

// New creates a Provider that loads the whisper.cpp model from modelPath.
// The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// TranscribeFile runs whisper.cpp inference over the WAV file and returns
// timed text segments. The file must be 16 kHz mono s16le PCM WAV, which is
// what the chunk merge produces.
func (p *Provider) TranscribeFile(ctx context.Context, wavPath string) ([]asr.TextSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: whispercpp: %v", asr.ErrTransient, err)
	}

	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("%w: whispercpp: open %q: %v", asr.ErrPermanent, wavPath, err)
	}
	samples, rate, err := pcm.ReadWAV(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: whispercpp: read %q: %v", asr.ErrPermanent, wavPath, err)
	}
	if rate != pcm.SampleRate {
		return nil, fmt.Errorf("%w: whispercpp: sample rate %d, want %d", asr.ErrPermanent, rate, pcm.SampleRate)
	}

	floats := make([]float32, len(samples))
	for i, s := range samples {
		floats[i] = float32(s) / 32768.0
	}

	// Each context is single-use and not thread-safe; the model is shared.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: whispercpp: create context: %v", asr.ErrTransient, err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whispercpp: failed to set language, using default", "language", p.language, "err", err)
	}

	if err := wctx.Process(floats, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("%w: whispercpp: process audio: %v", asr.ErrTransient, err)
	}

	var segments []asr.TextSegment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: whispercpp: read segment: %v", asr.ErrTransient, err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		segments = append(segments, asr.TextSegment{
			Text:       text,
			StartSec:   segment.Start.Seconds(),
			EndSec:     segment.End.Seconds(),
			Confidence: 0.9, // bindings do not expose per-segment probability
		})
	}
	return segments, nil
}
