package vad

import (
	"errors"
	"math"
	"testing"
)

// toneFrame synthesises frameMs of a sine at freq Hz with the given peak
// amplitude, which all three tiers should classify as speech when loud.
func toneFrame(frameMs int, freq float64, amp float64) []int16 {
	n := frameMs * 16
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/16000))
	}
	return frame
}

func TestNew_PrefersHiTier(t *testing.T) {
	d := New(Config{})
	if d.Name() != "hi" {
		t.Fatalf("tier = %q, want hi", d.Name())
	}
}

func TestDetectors_FrameLengthContract(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	hi, _ := newHi(cfg)
	ml, _ := newMl(cfg)
	detectors := []Detector{hi, ml, newEnergy(cfg)}

	for _, d := range detectors {
		t.Run(d.Name(), func(t *testing.T) {
			// Wrong sample count for declared duration.
			if _, _, err := d.IsSpeech(make([]int16, 100), 20); !errors.Is(err, ErrFrameLength) {
				t.Errorf("short frame: err = %v, want ErrFrameLength", err)
			}
			// Unsupported duration.
			if _, _, err := d.IsSpeech(make([]int16, 16*15), 15); !errors.Is(err, ErrFrameLength) {
				t.Errorf("15ms frame: err = %v, want ErrFrameLength", err)
			}
			// All valid durations.
			for _, ms := range []int{10, 20, 30} {
				if _, _, err := d.IsSpeech(make([]int16, ms*16), ms); err != nil {
					t.Errorf("%dms frame: unexpected err %v", ms, err)
				}
			}
		})
	}
}

func TestDetectors_SilenceVsTone(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	hi, _ := newHi(cfg)
	ml, _ := newMl(cfg)
	detectors := []Detector{hi, ml, newEnergy(cfg)}

	silence := make([]int16, 20*16)
	tone := toneFrame(20, 200, 0.5)

	for _, d := range detectors {
		t.Run(d.Name(), func(t *testing.T) {
			d.Reset()
			// Feed silence first so adaptive tiers settle their noise floor.
			var silProb float64
			for range 20 {
				_, silProb, _ = d.IsSpeech(silence, 20)
			}

			var speech bool
			var prob float64
			for range 10 {
				speech, prob, _ = d.IsSpeech(tone, 20)
			}
			if !speech {
				t.Errorf("loud 200Hz tone not detected as speech (prob %.3f)", prob)
			}
			if prob <= silProb {
				t.Errorf("tone prob %.3f not above silence prob %.3f", prob, silProb)
			}
		})
	}
}

func TestHi_HangoverBridgesShortGaps(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	d, _ := newHi(cfg)

	silence := make([]int16, 20*16)
	tone := toneFrame(20, 180, 0.6)

	for range 20 {
		d.IsSpeech(silence, 20)
	}
	for range 10 {
		d.IsSpeech(tone, 20)
	}
	// Immediately after speech, a single silent frame should still be held as
	// speech by the hangover.
	speech, _, _ := d.IsSpeech(silence, 20)
	if !speech {
		t.Error("hangover did not bridge a one-frame gap")
	}
	// After the hangover budget is spent, silence wins again.
	for range hangoverFrames + 5 {
		speech, _, _ = d.IsSpeech(silence, 20)
	}
	if speech {
		t.Error("hangover never released after sustained silence")
	}
}

func TestDetectors_Reset(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	d, _ := newHi(cfg)
	tone := toneFrame(20, 180, 0.6)
	for range 10 {
		d.IsSpeech(tone, 20)
	}
	d.Reset()
	speech, _, _ := d.IsSpeech(make([]int16, 20*16), 20)
	if speech {
		t.Error("silence classified as speech after Reset")
	}
}
