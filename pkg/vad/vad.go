// Package vad provides frame-level Voice Activity Detection for 16 kHz mono
// s16le audio.
//
// A Detector classifies one 10/20/30 ms frame at a time and is stateful:
// implementations smooth their decisions over recent frames (hangover), so a
// single Detector must only serve one audio stream. Sessions construct their
// own Detector via [New] and release it on teardown.
//
// Three tiers are available, selected by construction priority:
//
//   - "hi"     — deterministic adaptive detector (energy + zero crossings with
//     noise-floor tracking and hangover smoothing)
//   - "ml"     — fixed-weight logistic model over spectral frame features
//   - "energy" — plain RMS threshold
//
// [New] attempts the tiers in that order; an initialisation failure falls
// through to the next tier with a logged warning, never a hard error.
package vad

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/lectern-ai/lectern/pkg/pcm"
)

// ErrFrameLength is returned when a frame's sample count does not match the
// declared frame duration at 16 kHz.
var ErrFrameLength = errors.New("vad: frame length does not match frame duration")

// Detector classifies single audio frames as speech or silence.
//
// A Detector is stateful and stream-local: do not share one across sessions
// or goroutines.
type Detector interface {
	// IsSpeech analyses one frame of frameMs milliseconds (10, 20, or 30) of
	// 16 kHz mono s16le audio. It returns the classification together with the
	// smoothed speech probability in [0, 1].
	//
	// Returns [ErrFrameLength] when len(frame) != frameMs * 16.
	IsSpeech(frame []int16, frameMs int) (speech bool, prob float64, err error)

	// Name reports the tier identifier ("hi", "ml", or "energy").
	Name() string

	// Reset clears accumulated smoothing state. Use when the audio stream is
	// interrupted so stale hangover does not bleed into the next segment.
	Reset()
}

// Config holds the tunables shared by all detector tiers.
type Config struct {
	// SpeechThreshold is the probability at or above which a frame is
	// classified as speech. Default 0.5.
	SpeechThreshold float64

	// EnergyThreshold is the normalised RMS floor for the energy tier.
	// Default 0.015.
	EnergyThreshold float64
}

func (c *Config) applyDefaults() {
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = 0.5
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 0.015
	}
}

// New constructs the best available Detector, trying the hi tier first, then
// ml, then energy. A tier that fails to initialise is logged and skipped.
// The energy tier cannot fail, so New never returns an error.
func New(cfg Config) Detector {
	cfg.applyDefaults()

	if d, err := newHi(cfg); err == nil {
		return d
	} else {
		slog.Warn("vad: hi tier unavailable, falling back", "err", err)
	}
	if d, err := newMl(cfg); err == nil {
		return d
	} else {
		slog.Warn("vad: ml tier unavailable, falling back", "err", err)
	}
	return newEnergy(cfg)
}

// validateFrame checks the frame duration contract shared by all tiers.
func validateFrame(frame []int16, frameMs int) error {
	switch frameMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("%w: frame_ms %d not in {10, 20, 30}", ErrFrameLength, frameMs)
	}
	want := frameMs * pcm.SampleRate / 1000
	if len(frame) != want {
		return fmt.Errorf("%w: got %d samples, want %d for %d ms", ErrFrameLength, len(frame), want, frameMs)
	}
	return nil
}

// zeroCrossingRate returns the fraction of adjacent sample pairs that change
// sign. Voiced speech sits well below the rate of broadband noise.
func zeroCrossingRate(frame []int16) float64 {
	if len(frame) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0) != (frame[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}
