package pcm

import (
	"math"
	"testing"
)

func seq(n int, base int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = base + int16(i%1000)
	}
	return s
}

func TestRollingBuffer_AppendSnapshot(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{WindowSec: 12, OverlapSec: 1.5, MaxWindowSec: 15})

	b.Append(seq(SampleRate, 0), 2.0) // 1s at clock 2.0
	samples, start, end := b.Snapshot()
	if len(samples) != SampleRate {
		t.Fatalf("len = %d, want %d", len(samples), SampleRate)
	}
	if start != 2.0 {
		t.Errorf("start = %v, want 2.0", start)
	}
	if math.Abs(end-3.0) > 1e-9 {
		t.Errorf("end = %v, want 3.0", end)
	}

	// Snapshot must be a copy.
	samples[0] = -9999
	again, _, _ := b.Snapshot()
	if again[0] == -9999 {
		t.Error("snapshot aliases internal storage")
	}
}

func TestRollingBuffer_SlideRetainsOverlapExactly(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{WindowSec: 12, OverlapSec: 1.5, MaxWindowSec: 15})

	total := seq(5*SampleRate, 0)
	b.Append(total, 0)
	b.Slide()

	keep := int(1.5 * SampleRate)
	samples, start, end := b.Snapshot()
	if len(samples) != keep {
		t.Fatalf("retained %d samples, want %d", len(samples), keep)
	}
	// Retained window is exactly the trailing overlap of prior audio.
	for i := range samples {
		if samples[i] != total[len(total)-keep+i] {
			t.Fatalf("sample %d mismatch after slide", i)
		}
	}
	if math.Abs(start-3.5) > 1e-9 || math.Abs(end-5.0) > 1e-9 {
		t.Errorf("window = [%v, %v], want [3.5, 5.0]", start, end)
	}
}

func TestRollingBuffer_SlideShortBufferNoop(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{OverlapSec: 1.5})
	b.Append(seq(SampleRate/2, 0), 0) // 0.5s < overlap
	b.Slide()
	if b.Len() != SampleRate/2 {
		t.Errorf("len = %d, want %d", b.Len(), SampleRate/2)
	}
}

func TestRollingBuffer_OverflowDropsOldest(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{WindowSec: 2, OverlapSec: 0.5, MaxWindowSec: 3})

	dropped := b.Append(seq(4*SampleRate, 0), 0)
	if dropped != SampleRate {
		t.Fatalf("dropped = %d, want %d", dropped, SampleRate)
	}
	if b.Len() != 3*SampleRate {
		t.Errorf("len = %d, want %d", b.Len(), 3*SampleRate)
	}
	_, start, end := b.Snapshot()
	if math.Abs(start-1.0) > 1e-9 || math.Abs(end-4.0) > 1e-9 {
		t.Errorf("window = [%v, %v], want [1.0, 4.0]", start, end)
	}
	if b.Dropped() != int64(SampleRate) {
		t.Errorf("Dropped() = %d, want %d", b.Dropped(), SampleRate)
	}
}

func TestRollingBuffer_Drain(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{})
	b.Append(seq(SampleRate, 7), 1.0)

	samples, start, end := b.Drain()
	if len(samples) != SampleRate {
		t.Fatalf("drained %d samples, want %d", len(samples), SampleRate)
	}
	if start != 1.0 || math.Abs(end-2.0) > 1e-9 {
		t.Errorf("window = [%v, %v], want [1.0, 2.0]", start, end)
	}
	if b.Len() != 0 {
		t.Errorf("len after drain = %d, want 0", b.Len())
	}
}

func TestRollingBuffer_ContiguousClock(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{})
	b.Append(seq(SampleRate/10, 0), 0.0)
	b.Append(seq(SampleRate/10, 0), 0.1)
	b.Append(seq(SampleRate/10, 0), 0.2)
	_, start, end := b.Snapshot()
	if start != 0 || math.Abs(end-0.3) > 1e-9 {
		t.Errorf("window = [%v, %v], want [0, 0.3]", start, end)
	}
}

func TestRollingBuffer_ResyncAfterDroppedFrame(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{})
	b.Append(seq(SampleRate/10, 0), 0.0)
	// 300 ms of audio was dropped upstream; the clock must follow the
	// frame timestamp, not the appended sample count.
	b.Append(seq(SampleRate/10, 0), 0.5)
	_, start, end := b.Snapshot()
	if start != 0 || math.Abs(end-0.6) > 1e-9 {
		t.Errorf("window = [%v, %v], want [0, 0.6]", start, end)
	}
}

func TestRollingBuffer_JitterKeepsAccumulatedClock(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{})
	b.Append(seq(SampleRate/10, 0), 0.0)
	b.Append(seq(SampleRate/10, 0), 0.103) // within tolerance
	_, _, end := b.Snapshot()
	if math.Abs(end-0.2) > 1e-9 {
		t.Errorf("end = %v, want 0.2", end)
	}
}

func TestRollingBuffer_ResyncAfterDrainAnchorsStart(t *testing.T) {
	b := NewRollingBuffer(RollingBufferConfig{})
	b.Append(seq(SampleRate/10, 0), 0.0)
	b.Drain()

	b.Append(seq(SampleRate/10, 0), 5.0)
	_, start, end := b.Snapshot()
	if math.Abs(start-5.0) > 1e-9 || math.Abs(end-5.1) > 1e-9 {
		t.Errorf("window = [%v, %v], want [5.0, 5.1]", start, end)
	}
}
