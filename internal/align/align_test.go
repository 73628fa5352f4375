package align

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/lectern-ai/lectern/pkg/asr"
)

func TestAlignCleanSingleSpeaker(t *testing.T) {
	texts := []asr.TextSegment{
		{Text: "hello world", StartSec: 0.0, EndSec: 2.0, Confidence: 0.95},
		{Text: "how are you", StartSec: 2.0, EndSec: 4.0, Confidence: 0.95},
	}
	speakers := []asr.SpeakerSegment{{SpeakerLabel: "A", StartSec: 0.0, EndSec: 4.0}}

	segs, metrics, err := NewEngine(Config{}).Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	for i, s := range segs {
		if s.SpeakerLabel != "A" || s.State != StateConfident || s.Method != MethodTimeOverlap {
			t.Errorf("segment %d = %q/%v/%v, want A/CONFIDENT/time_overlap", i, s.SpeakerLabel, s.State, s.Method)
		}
		if s.SpeakerConfidence != 1.0 {
			t.Errorf("segment %d confidence = %v, want 1.0", i, s.SpeakerConfidence)
		}
	}
	if metrics.ConfidentCount != 2 || metrics.AvgConfidence != 1.0 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestAlignBoundaryOverlap(t *testing.T) {
	texts := []asr.TextSegment{{Text: "hi there", StartSec: 4.8, EndSec: 6.0, Confidence: 0.9}}
	speakers := []asr.SpeakerSegment{
		{SpeakerLabel: "A", StartSec: 0, EndSec: 5.0},
		{SpeakerLabel: "B", StartSec: 5.0, EndSec: 10.0},
	}

	segs, _, err := NewEngine(Config{}).Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	s := segs[0]
	if s.SpeakerLabel != "B" || s.State != StateConfident || s.Method != MethodTimeOverlap {
		t.Errorf("got %q/%v/%v, want B/CONFIDENT/time_overlap", s.SpeakerLabel, s.State, s.Method)
	}
	if s.SpeakerConfidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", s.SpeakerConfidence)
	}
}

func TestAlignSimultaneousSpeech(t *testing.T) {
	texts := []asr.TextSegment{{Text: "no I really think we should", StartSec: 0, EndSec: 2.0, Confidence: 0.8}}
	speakers := []asr.SpeakerSegment{
		{SpeakerLabel: "A", StartSec: 0, EndSec: 2.0},
		{SpeakerLabel: "B", StartSec: 0.4, EndSec: 1.8},
	}

	segs, metrics, err := NewEngine(Config{}).Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	s := segs[0]
	if s.SpeakerLabel != "A" {
		t.Errorf("speaker = %q, want A (largest overlap)", s.SpeakerLabel)
	}
	if s.State != StateOverlap {
		t.Errorf("state = %v, want OVERLAP", s.State)
	}
	if metrics.OverlapCount != 1 {
		t.Errorf("overlap count = %d, want 1", metrics.OverlapCount)
	}
}

func TestAlignWordDensityTier(t *testing.T) {
	// Fragmentary diarization: total overlap is far below the Tier 1 bar but
	// 8 of 10 word midpoints land inside speaker A shards.
	texts := []asr.TextSegment{{
		Text:     "one two three four five six seven eight nine ten",
		StartSec: 0, EndSec: 10.0, Confidence: 0.9,
	}}
	var speakers []asr.SpeakerSegment
	for i := range 8 {
		mid := float64(i) + 0.5
		speakers = append(speakers, asr.SpeakerSegment{SpeakerLabel: "A", StartSec: mid - 0.1, EndSec: mid + 0.1})
	}

	segs, _, err := NewEngine(Config{}).Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	s := segs[0]
	if s.Method != MethodWordDensity {
		t.Fatalf("method = %v, want word_density", s.Method)
	}
	if s.SpeakerLabel != "A" || s.State != StateConfident {
		t.Errorf("got %q/%v, want A/CONFIDENT", s.SpeakerLabel, s.State)
	}
	if s.SpeakerConfidence < 0.7 {
		t.Errorf("confidence = %v, want >= 0.7", s.SpeakerConfidence)
	}
}

func TestAlignUncertainFallback(t *testing.T) {
	texts := []asr.TextSegment{{Text: "x", StartSec: 10, EndSec: 11, Confidence: 0.2}}
	speakers := []asr.SpeakerSegment{{SpeakerLabel: "A", StartSec: 0, EndSec: 5}}

	segs, metrics, err := NewEngine(Config{}).Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	s := segs[0]
	if s.SpeakerLabel != UnknownSpeaker || s.State != StateUncertain || s.Method != MethodUncertain {
		t.Errorf("got %q/%v/%v, want Unknown/UNCERTAIN/uncertain", s.SpeakerLabel, s.State, s.Method)
	}
	if s.SpeakerConfidence != 0 {
		t.Errorf("confidence = %v, want 0", s.SpeakerConfidence)
	}
	if metrics.UncertainCount != 1 {
		t.Errorf("uncertain count = %d, want 1", metrics.UncertainCount)
	}
}

func TestAlignZeroDurationSegment(t *testing.T) {
	texts := []asr.TextSegment{{Text: "blip", StartSec: 3, EndSec: 3, Confidence: 0.5}}
	speakers := []asr.SpeakerSegment{{SpeakerLabel: "A", StartSec: 0, EndSec: 10}}

	segs, _, err := NewEngine(Config{}).Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	s := segs[0]
	if s.State != StateUnknownSpeaker || s.SpeakerConfidence != 0 {
		t.Errorf("got %v/%v, want UNKNOWN_SPEAKER/0", s.State, s.SpeakerConfidence)
	}
}

func TestAlignNoSpeakerSegments(t *testing.T) {
	texts := []asr.TextSegment{
		{Text: "hello", StartSec: 0, EndSec: 1, Confidence: 0.9},
		{Text: "world", StartSec: 1, EndSec: 2, Confidence: 0.9},
	}
	segs, _, err := NewEngine(Config{}).Align(texts, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	for i, s := range segs {
		if s.State != StateUnknownSpeaker || s.SpeakerLabel != UnknownSpeaker {
			t.Errorf("segment %d = %q/%v, want Unknown/UNKNOWN_SPEAKER", i, s.SpeakerLabel, s.State)
		}
	}
}

func TestAlignEmptyTextSegments(t *testing.T) {
	_, _, err := NewEngine(Config{}).Align(nil, []asr.SpeakerSegment{{SpeakerLabel: "A", StartSec: 0, EndSec: 5}})
	if err != ErrInputsEmpty {
		t.Errorf("err = %v, want ErrInputsEmpty", err)
	}
}

func TestAlignDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var texts []asr.TextSegment
	var speakers []asr.SpeakerSegment
	for i := range 40 {
		start := float64(i) * 2
		texts = append(texts, asr.TextSegment{
			Text:     "segment text number",
			StartSec: start, EndSec: start + 1.5 + rng.Float64(), Confidence: rng.Float64(),
		})
	}
	labels := []string{"A", "B", "C"}
	for i := range 30 {
		start := rng.Float64() * 80
		speakers = append(speakers, asr.SpeakerSegment{
			SpeakerLabel: labels[i%3], StartSec: start, EndSec: start + rng.Float64()*5,
		})
	}

	e := NewEngine(Config{})
	first, firstMetrics, err := e.Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	for range 5 {
		again, againMetrics, err := e.Align(texts, speakers)
		if err != nil {
			t.Fatalf("Align: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatal("repeated Align produced different segments")
		}
		if !reflect.DeepEqual(firstMetrics, againMetrics) {
			t.Fatal("repeated Align produced different metrics")
		}
	}
}

func TestAlignOutputCountMatchesInput(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for trial := range 20 {
		n := 1 + rng.Intn(30)
		texts := make([]asr.TextSegment, n)
		for i := range texts {
			start := rng.Float64() * 100
			texts[i] = asr.TextSegment{Text: "words here", StartSec: start, EndSec: start + rng.Float64()*3}
		}
		var speakers []asr.SpeakerSegment
		for i := 0; i < rng.Intn(10); i++ {
			start := rng.Float64() * 100
			speakers = append(speakers, asr.SpeakerSegment{SpeakerLabel: "S", StartSec: start, EndSec: start + rng.Float64()*5})
		}
		segs, metrics, err := NewEngine(Config{}).Align(texts, speakers)
		if err != nil {
			t.Fatalf("trial %d: Align: %v", trial, err)
		}
		if len(segs) != n || metrics.TotalSegments != n {
			t.Fatalf("trial %d: got %d segments, want %d", trial, len(segs), n)
		}
		for i := 1; i < len(segs); i++ {
			if segs[i].StartSec < segs[i-1].StartSec {
				t.Fatalf("trial %d: segments out of order at %d", trial, i)
			}
		}
	}
}

func TestAlignClipsOverlappingBounds(t *testing.T) {
	texts := []asr.TextSegment{
		{Text: "first part", StartSec: 0.0, EndSec: 3.0, Confidence: 0.9},
		{Text: "second part", StartSec: 2.2, EndSec: 5.0, Confidence: 0.9},
	}
	speakers := []asr.SpeakerSegment{{SpeakerLabel: "A", StartSec: 0.0, EndSec: 5.0}}

	segs, _, err := NewEngine(Config{}).Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if math.Abs(segs[1].StartSec-2.9) > 1e-9 {
		t.Errorf("clipped start = %v, want 2.9", segs[1].StartSec)
	}
	if segs[1].EndSec != 5.0 {
		t.Errorf("end = %v, want 5.0 unchanged", segs[1].EndSec)
	}
	// Attribution still runs on the raw bounds.
	if segs[1].SpeakerLabel != "A" || segs[1].State != StateConfident {
		t.Errorf("segment 1 = %q/%v, want A/CONFIDENT", segs[1].SpeakerLabel, segs[1].State)
	}
}

func TestAlignClipContainedSegment(t *testing.T) {
	texts := []asr.TextSegment{
		{Text: "long span", StartSec: 0.0, EndSec: 6.0, Confidence: 0.9},
		{Text: "uh", StartSec: 1.0, EndSec: 2.0, Confidence: 0.5},
	}
	speakers := []asr.SpeakerSegment{{SpeakerLabel: "A", StartSec: 0.0, EndSec: 6.0}}

	segs, _, err := NewEngine(Config{}).Align(texts, speakers)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if math.Abs(segs[1].StartSec-5.9) > 1e-9 {
		t.Errorf("clipped start = %v, want 5.9", segs[1].StartSec)
	}
	if segs[1].EndSec != segs[1].StartSec {
		t.Errorf("contained segment end = %v, want %v", segs[1].EndSec, segs[1].StartSec)
	}
}

func TestAlignRandomBoundsStayNearDisjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	for trial := range 20 {
		n := 2 + rng.Intn(20)
		texts := make([]asr.TextSegment, n)
		for i := range texts {
			start := rng.Float64() * 60
			texts[i] = asr.TextSegment{Text: "some words", StartSec: start, EndSec: start + rng.Float64()*4}
		}
		speakers := []asr.SpeakerSegment{{SpeakerLabel: "A", StartSec: 0, EndSec: 70}}

		segs, _, err := NewEngine(Config{}).Align(texts, speakers)
		if err != nil {
			t.Fatalf("trial %d: Align: %v", trial, err)
		}
		for i := 1; i < len(segs); i++ {
			if segs[i].StartSec < segs[i-1].EndSec-maxSegmentOverlapSec-1e-9 {
				t.Fatalf("trial %d: segments %d/%d overlap by %.3fs",
					trial, i-1, i, segs[i-1].EndSec-segs[i].StartSec)
			}
			if segs[i].EndSec < segs[i].StartSec {
				t.Fatalf("trial %d: segment %d ends before it starts", trial, i)
			}
		}
	}
}

func TestFormatTime(t *testing.T) {
	tests := []struct {
		sec  float64
		want string
	}{
		{0, "00:00"},
		{59.9, "00:59"},
		{60, "01:00"},
		{754.2, "12:34"},
		{-3, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatTime(tt.sec); got != tt.want {
			t.Errorf("FormatTime(%v) = %q, want %q", tt.sec, got, tt.want)
		}
	}
}
