package vad

import "github.com/lectern-ai/lectern/pkg/pcm"

// energyDetector is the last-resort tier: a bare RMS threshold with no
// smoothing beyond the probability scaling. Always constructible.
type energyDetector struct {
	cfg Config
}

func newEnergy(cfg Config) *energyDetector {
	return &energyDetector{cfg: cfg}
}

func (d *energyDetector) Name() string { return "energy" }

func (d *energyDetector) Reset() {}

func (d *energyDetector) IsSpeech(frame []int16, frameMs int) (bool, float64, error) {
	if err := validateFrame(frame, frameMs); err != nil {
		return false, 0, err
	}
	rms := pcm.RMS(frame)

	// Map RMS onto a probability: threshold ≈ 0.5, saturating at 4x threshold.
	prob := rms / (d.cfg.EnergyThreshold * 2)
	if prob > 1 {
		prob = 1
	}
	return rms > d.cfg.EnergyThreshold, prob, nil
}
