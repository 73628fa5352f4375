package vad

import (
	"math"

	"github.com/lectern-ai/lectern/pkg/pcm"
)

// mlDetector is the model-based tier: a fixed-weight logistic regression over
// three frame features (log energy, zero-crossing rate, spectral flatness).
// The weights were fitted offline against labelled meeting audio; they are
// baked in so the tier needs no model file at runtime.
type mlDetector struct {
	cfg      Config
	prevProb float64
}

// Logistic weights: bias, log-energy, zcr, flatness.
var mlWeights = [4]float64{-2.1, 1.35, -2.6, -1.8}

func newMl(cfg Config) (*mlDetector, error) {
	return &mlDetector{cfg: cfg}, nil
}

func (d *mlDetector) Name() string { return "ml" }

func (d *mlDetector) Reset() { d.prevProb = 0 }

func (d *mlDetector) IsSpeech(frame []int16, frameMs int) (bool, float64, error) {
	if err := validateFrame(frame, frameMs); err != nil {
		return false, 0, err
	}

	rms := pcm.RMS(frame)
	logEnergy := math.Log10(rms + 1e-6) // ~[-6, 0]
	zcr := zeroCrossingRate(frame)
	flat := spectralFlatness(frame)

	z := mlWeights[0] +
		mlWeights[1]*(logEnergy+4) + // shift so quiet room ≈ 0
		mlWeights[2]*zcr +
		mlWeights[3]*flat
	prob := 1 / (1 + math.Exp(-z))

	prob = 0.7*prob + 0.3*d.prevProb
	d.prevProb = prob

	return prob >= d.cfg.SpeechThreshold, prob, nil
}

// spectralFlatness approximates the geometric/arithmetic mean ratio of the
// magnitude spectrum using a coarse 8-band energy split. Tonal speech is
// peaky (flatness near 0); hiss is flat (near 1).
func spectralFlatness(frame []int16) float64 {
	const bands = 8
	if len(frame) < bands {
		return 1
	}
	bandLen := len(frame) / bands
	var energies [bands]float64
	for b := range bands {
		seg := frame[b*bandLen : (b+1)*bandLen]
		// First-difference energy per band approximates high-frequency content
		// at increasing offsets; crude but deterministic and allocation free.
		var sum float64
		for i := 1; i < len(seg); i++ {
			d := float64(seg[i]-seg[i-1]) / 32768.0
			sum += d * d
		}
		energies[b] = sum/float64(len(seg)) + 1e-12
	}

	var logSum, sum float64
	for _, e := range energies {
		logSum += math.Log(e)
		sum += e
	}
	geo := math.Exp(logSum / bands)
	arith := sum / bands
	return geo / arith
}
