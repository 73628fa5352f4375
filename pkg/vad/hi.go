package vad

import "github.com/lectern-ai/lectern/pkg/pcm"

// hangoverFrames is the number of frames a speech decision persists after the
// instantaneous evidence drops, bridging intra-word gaps and plosive dips.
const hangoverFrames = 8

// noiseAdaptRate controls how quickly the noise floor tracks quiet frames.
const noiseAdaptRate = 0.05

// hiDetector is the deterministic high-quality tier. It tracks an adaptive
// noise floor, combines the frame's SNR-like energy ratio with its
// zero-crossing rate, and applies hangover smoothing so short dips inside an
// utterance do not flap the decision.
type hiDetector struct {
	cfg        Config
	noiseFloor float64
	hangover   int
	prevProb   float64
}

func newHi(cfg Config) (*hiDetector, error) {
	return &hiDetector{cfg: cfg, noiseFloor: 0.001}, nil
}

func (d *hiDetector) Name() string { return "hi" }

func (d *hiDetector) Reset() {
	d.noiseFloor = 0.001
	d.hangover = 0
	d.prevProb = 0
}

func (d *hiDetector) IsSpeech(frame []int16, frameMs int) (bool, float64, error) {
	if err := validateFrame(frame, frameMs); err != nil {
		return false, 0, err
	}

	rms := pcm.RMS(frame)
	zcr := zeroCrossingRate(frame)

	// Track the noise floor on quiet frames only; freeze it during speech so
	// a long utterance does not drag the floor upward.
	if rms < d.noiseFloor*3 {
		d.noiseFloor += noiseAdaptRate * (rms - d.noiseFloor)
		if d.noiseFloor < 0.0005 {
			d.noiseFloor = 0.0005
		}
	}

	// Energy evidence: ratio over the noise floor, saturating at 10x.
	snr := rms / d.noiseFloor
	energyScore := (snr - 1.5) / 8.5
	if energyScore < 0 {
		energyScore = 0
	}
	if energyScore > 1 {
		energyScore = 1
	}

	// Voiced speech has a moderate zero-crossing rate; both near-DC rumble
	// and broadband hiss score low.
	zcrScore := 1.0
	switch {
	case zcr < 0.02:
		zcrScore = zcr / 0.02
	case zcr > 0.35:
		zcrScore = 1 - (zcr-0.35)/0.3
		if zcrScore < 0 {
			zcrScore = 0
		}
	}

	prob := 0.75*energyScore + 0.25*zcrScore
	// One-pole smoothing keeps the probability stable across frames.
	prob = 0.6*prob + 0.4*d.prevProb
	d.prevProb = prob

	speech := prob >= d.cfg.SpeechThreshold
	if speech {
		d.hangover = hangoverFrames
	} else if d.hangover > 0 {
		d.hangover--
		speech = true
		if prob < d.cfg.SpeechThreshold {
			prob = d.cfg.SpeechThreshold
		}
	}
	return speech, prob, nil
}
