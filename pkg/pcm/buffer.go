package pcm

// RollingBuffer is a per-session sliding window of PCM samples feeding the
// streaming recogniser. It keeps at most MaxWindowSec seconds of audio; the
// overlap retained by [RollingBuffer.Slide] preserves acoustic context between
// consecutive transcription calls.
//
// The buffer is referenced to the session's monotonic audio clock: the caller
// supplies the client-side start offset of each appended chunk, and Snapshot
// reports the window's position on that clock.
//
// RollingBuffer has a single-writer contract: only the session's processor
// task may call its methods. It holds no locks.
type RollingBuffer struct {
	samples []int16

	// startSec is the clock position of samples[0].
	startSec float64
	// nextSec is the clock position one past the last sample, i.e. where the
	// next Append lands.
	nextSec float64
	// started reports whether any audio has ever been appended.
	started bool

	windowSec    float64
	overlapSec   float64
	maxWindowSec float64

	// dropped counts samples discarded by overflow protection.
	dropped int64
}

// RollingBufferConfig parameterises a [RollingBuffer]. Zero values fall back
// to the pipeline defaults (12 s window, 1.5 s overlap, 15 s hard cap).
type RollingBufferConfig struct {
	WindowSec    float64
	OverlapSec   float64
	MaxWindowSec float64
}

// NewRollingBuffer creates an empty buffer with the given window parameters.
func NewRollingBuffer(cfg RollingBufferConfig) *RollingBuffer {
	if cfg.WindowSec <= 0 {
		cfg.WindowSec = 12.0
	}
	if cfg.OverlapSec <= 0 {
		cfg.OverlapSec = 1.5
	}
	if cfg.MaxWindowSec <= 0 {
		cfg.MaxWindowSec = 15.0
	}
	return &RollingBuffer{
		samples:      make([]int16, 0, int(cfg.MaxWindowSec*SampleRate)),
		windowSec:    cfg.WindowSec,
		overlapSec:   cfg.OverlapSec,
		maxWindowSec: cfg.MaxWindowSec,
	}
}

// clockResyncToleranceSec is how far a frame's start may run ahead of the
// accumulated clock before Append re-anchors. Below it, minor client jitter
// keeps the contiguous sample-count clock.
const clockResyncToleranceSec = 0.05

// Append adds samples at clock position startSec. Contiguous chunks advance
// the clock by sample count; when startSec jumps ahead of the accumulated
// clock by more than clockResyncToleranceSec (audio lost upstream, e.g. a
// queue overflow drop) the clock re-anchors to the frame's timestamp so
// Snapshot bounds keep tracking the client clock. The session clamps
// non-monotonic timestamps before the buffer sees them.
//
// When an append would push the window past MaxWindowSec the oldest samples
// are discarded and counted; the caller surfaces the drop through metrics.
// Returns the number of samples dropped by this call.
func (b *RollingBuffer) Append(samples []int16, startSec float64) int {
	if len(samples) == 0 {
		return 0
	}
	if !b.started {
		b.started = true
		b.startSec = startSec
		b.nextSec = startSec
	} else if startSec > b.nextSec+clockResyncToleranceSec {
		if len(b.samples) == 0 {
			b.startSec = startSec
		}
		b.nextSec = startSec
	}

	b.samples = append(b.samples, samples...)
	b.nextSec += Duration(len(samples))

	maxSamples := int(b.maxWindowSec * SampleRate)
	drop := len(b.samples) - maxSamples
	if drop <= 0 {
		return 0
	}
	b.samples = b.samples[drop:]
	b.startSec += Duration(drop)
	b.dropped += int64(drop)
	return drop
}

// Snapshot returns a copy of the current window along with its clock bounds.
// The copy is safe to hand to an ASR worker while ingestion continues.
func (b *RollingBuffer) Snapshot() (samples []int16, startSec, endSec float64) {
	out := make([]int16, len(b.samples))
	copy(out, b.samples)
	return out, b.startSec, b.nextSec
}

// Slide retains the trailing overlap of the window and discards the rest.
// After Slide the buffer covers exactly the last OverlapSec seconds of the
// audio seen so far (or everything, when less than that has accumulated).
func (b *RollingBuffer) Slide() {
	keep := int(b.overlapSec * SampleRate)
	if keep >= len(b.samples) {
		return
	}
	drop := len(b.samples) - keep
	copy(b.samples, b.samples[drop:])
	b.samples = b.samples[:keep]
	b.startSec += Duration(drop)
}

// Drain returns all buffered samples with their clock bounds and clears the
// buffer. Used for the final flush on session close.
func (b *RollingBuffer) Drain() (samples []int16, startSec, endSec float64) {
	out := b.samples
	start, end := b.startSec, b.nextSec
	b.samples = make([]int16, 0, cap(out))
	b.startSec = b.nextSec
	return out, start, end
}

// DurationSec returns the seconds of audio currently buffered.
func (b *RollingBuffer) DurationSec() float64 {
	return Duration(len(b.samples))
}

// Len returns the buffered sample count.
func (b *RollingBuffer) Len() int { return len(b.samples) }

// Dropped returns the total samples discarded by overflow protection.
func (b *RollingBuffer) Dropped() int64 { return b.dropped }
