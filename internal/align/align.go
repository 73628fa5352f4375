// Package align fuses high-accuracy transcription segments with diarization
// speaker segments into speaker-labelled transcript segments.
//
// Attribution runs three tiers per text segment: time overlap against the
// speaker timeline, then word-midpoint density when timestamps disagree, then
// an explicit uncertain fallback. The engine is deterministic: identical
// inputs always produce identical output.
package align

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/lectern-ai/lectern/pkg/asr"
)

// ErrInputsEmpty is returned when there are no text segments to align.
var ErrInputsEmpty = errors.New("align: no text segments")

// maxSegmentOverlapSec bounds how far consecutive output segments may overlap.
// Recogniser timestamps routinely bleed across segment boundaries; starts
// drifting further back than this are clipped.
const maxSegmentOverlapSec = 0.1

// State labels the quality of a segment's speaker attribution.
type State string

const (
	StateConfident      State = "CONFIDENT"
	StateUncertain      State = "UNCERTAIN"
	StateOverlap        State = "OVERLAP"
	StateUnknownSpeaker State = "UNKNOWN_SPEAKER"
)

// Method names the tier that produced a segment's attribution.
type Method string

const (
	MethodTimeOverlap Method = "time_overlap"
	MethodWordDensity Method = "word_density"
	MethodUncertain   Method = "uncertain"
	// MethodLive marks segments committed by the streaming path; the engine
	// never produces it but it shares the vocabulary.
	MethodLive Method = "live"
)

// UnknownSpeaker is the label assigned when no attribution is possible.
const UnknownSpeaker = "Unknown"

// Segment is one speaker-labelled span of the aligned transcript.
type Segment struct {
	Text              string  `json:"text"`
	StartSec          float64 `json:"audio_start_sec"`
	EndSec            float64 `json:"audio_end_sec"`
	FormattedTime     string  `json:"formatted_time"`
	SpeakerLabel      string  `json:"speaker_label"`
	SpeakerConfidence float64 `json:"speaker_confidence"`
	State             State   `json:"alignment_state"`
	Method            Method  `json:"alignment_method"`
}

// Metrics summarises one alignment run over a whole meeting.
type Metrics struct {
	TotalSegments   int            `json:"total_segments"`
	ConfidentCount  int            `json:"confident_count"`
	UncertainCount  int            `json:"uncertain_count"`
	OverlapCount    int            `json:"overlap_count"`
	AvgConfidence   float64        `json:"avg_confidence"`
	MethodBreakdown map[string]int `json:"method_breakdown"`
}

// Config tunes the acceptance thresholds.
type Config struct {
	// OverlapThreshold is the minimum Tier 1 confidence to accept a
	// time-overlap attribution.
	OverlapThreshold float64
	// DensityThreshold is the minimum Tier 2 word-density fraction to accept.
	DensityThreshold float64
	// OverlapStateRatio is the fraction of text duration a second speaker
	// must cover for the segment to be marked OVERLAP.
	OverlapStateRatio float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		OverlapThreshold:  0.6,
		DensityThreshold:  0.7,
		OverlapStateRatio: 0.3,
	}
}

// Engine aligns text segments with speaker segments. Safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine. Zero-valued config fields take their defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.OverlapThreshold <= 0 {
		cfg.OverlapThreshold = def.OverlapThreshold
	}
	if cfg.DensityThreshold <= 0 {
		cfg.DensityThreshold = def.DensityThreshold
	}
	if cfg.OverlapStateRatio <= 0 {
		cfg.OverlapStateRatio = def.OverlapStateRatio
	}
	return &Engine{cfg: cfg}
}

// Align attributes every text segment to a speaker. The output always has
// exactly one segment per input text segment, in ascending start order, with
// consecutive segments overlapping by at most maxSegmentOverlapSec.
// With no speaker segments every output is UNKNOWN_SPEAKER.
func (e *Engine) Align(texts []asr.TextSegment, speakers []asr.SpeakerSegment) ([]Segment, Metrics, error) {
	if len(texts) == 0 {
		return nil, Metrics{}, ErrInputsEmpty
	}

	sortedTexts := make([]asr.TextSegment, len(texts))
	copy(sortedTexts, texts)
	sort.SliceStable(sortedTexts, func(i, j int) bool { return sortedTexts[i].StartSec < sortedTexts[j].StartSec })

	sortedSpeakers := make([]asr.SpeakerSegment, len(speakers))
	copy(sortedSpeakers, speakers)
	sort.SliceStable(sortedSpeakers, func(i, j int) bool { return sortedSpeakers[i].StartSec < sortedSpeakers[j].StartSec })

	out := make([]Segment, 0, len(sortedTexts))
	lastTextBySpeaker := make(map[string]string)
	for _, ts := range sortedTexts {
		seg := e.alignOne(ts, sortedSpeakers, lastTextBySpeaker)
		if seg.State == StateConfident || seg.State == StateOverlap {
			lastTextBySpeaker[seg.SpeakerLabel] = ts.Text
		}
		if n := len(out); n > 0 {
			clipStart(&seg, out[n-1])
		}
		out = append(out, seg)
	}

	return out, buildMetrics(out), nil
}

// alignOne applies the three attribution tiers to a single text segment.
func (e *Engine) alignOne(ts asr.TextSegment, speakers []asr.SpeakerSegment, lastText map[string]string) Segment {
	seg := Segment{
		Text:          ts.Text,
		StartSec:      ts.StartSec,
		EndSec:        ts.EndSec,
		FormattedTime: FormatTime(ts.StartSec),
	}

	dur := ts.EndSec - ts.StartSec
	if dur <= 0 || len(speakers) == 0 {
		seg.SpeakerLabel = UnknownSpeaker
		seg.State = StateUnknownSpeaker
		seg.Method = MethodUncertain
		return seg
	}

	// Tier 1: total time overlap per speaker label.
	overlaps := make(map[string]float64)
	for _, sp := range speakers {
		ov := math.Max(0, math.Min(ts.EndSec, sp.EndSec)-math.Max(ts.StartSec, sp.StartSec))
		if ov > 0 {
			overlaps[sp.SpeakerLabel] += ov
		}
	}
	bestLabel, bestOverlap := maxByValue(overlaps)
	if bestLabel != "" && e.shouldTieBreak(ts, speakers, overlaps, bestOverlap) {
		bestLabel, bestOverlap = e.fuzzyTieBreak(ts.Text, overlaps, bestOverlap, lastText, bestLabel)
	}
	tier1Conf := math.Min(bestOverlap/dur/0.5, 1.0)

	if tier1Conf >= e.cfg.OverlapThreshold {
		seg.SpeakerLabel = bestLabel
		seg.SpeakerConfidence = tier1Conf
		seg.State = StateConfident
		seg.Method = MethodTimeOverlap
		if countAbove(overlaps, e.cfg.OverlapStateRatio*dur) >= 2 {
			seg.State = StateOverlap
		}
		return seg
	}

	// Tier 2: word midpoint density over the speaker timeline.
	tier2Label, tier2Conf := e.wordDensity(ts, speakers, dur)
	if tier2Conf >= e.cfg.DensityThreshold {
		seg.SpeakerLabel = tier2Label
		seg.SpeakerConfidence = tier2Conf
		seg.State = StateConfident
		seg.Method = MethodWordDensity
		return seg
	}

	// Tier 3: neither tier accepted.
	seg.SpeakerLabel = UnknownSpeaker
	seg.SpeakerConfidence = math.Max(tier1Conf, tier2Conf)
	seg.State = StateUncertain
	seg.Method = MethodUncertain
	return seg
}

// wordDensity assigns each word a midpoint time and tallies which speaker
// segment contains it. Returns the majority speaker and its word fraction.
func (e *Engine) wordDensity(ts asr.TextSegment, speakers []asr.SpeakerSegment, dur float64) (string, float64) {
	words := strings.Fields(ts.Text)
	if len(words) == 0 {
		return "", 0
	}
	counts := make(map[string]int)
	for i := range words {
		mid := ts.StartSec + (float64(i)+0.5)*dur/float64(len(words))
		for _, sp := range speakers {
			if mid >= sp.StartSec && mid < sp.EndSec {
				counts[sp.SpeakerLabel]++
				break
			}
		}
	}
	var best string
	bestCount := 0
	for _, sp := range speakers { // deterministic iteration order
		if c := counts[sp.SpeakerLabel]; c > bestCount {
			best, bestCount = sp.SpeakerLabel, c
		}
	}
	return best, float64(bestCount) / float64(len(words))
}

// shouldTieBreak reports whether the fuzzy tie-breaker may run: the segment
// is short (< 6 words), starts or ends within 500 ms of a speaker boundary,
// and a second speaker's overlap is within 10% of the best.
func (e *Engine) shouldTieBreak(ts asr.TextSegment, speakers []asr.SpeakerSegment, overlaps map[string]float64, bestOverlap float64) bool {
	if len(strings.Fields(ts.Text)) >= 6 {
		return false
	}
	nearBoundary := false
	for _, sp := range speakers {
		if math.Abs(ts.StartSec-sp.StartSec) <= 0.5 || math.Abs(ts.StartSec-sp.EndSec) <= 0.5 ||
			math.Abs(ts.EndSec-sp.StartSec) <= 0.5 || math.Abs(ts.EndSec-sp.EndSec) <= 0.5 {
			nearBoundary = true
			break
		}
	}
	if !nearBoundary {
		return false
	}
	contenders := 0
	for _, ov := range overlaps {
		if ov >= bestOverlap*0.9 {
			contenders++
		}
	}
	return contenders >= 2
}

// fuzzyTieBreak resolves a near-tie between overlap candidates by comparing
// the segment text against each candidate's most recent attributed text.
// Candidates without history keep the plain overlap ranking.
func (e *Engine) fuzzyTieBreak(text string, overlaps map[string]float64, bestOverlap float64, lastText map[string]string, fallback string) (string, float64) {
	type candidate struct {
		label string
		ov    float64
		sim   float64
	}
	var cands []candidate
	for label, ov := range overlaps {
		if ov < bestOverlap*0.9 {
			continue
		}
		prev, ok := lastText[label]
		if !ok {
			continue
		}
		cands = append(cands, candidate{label: label, ov: ov, sim: matchr.JaroWinkler(text, prev, true)})
	}
	if len(cands) < 2 {
		return fallback, overlaps[fallback]
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].sim != cands[j].sim {
			return cands[i].sim > cands[j].sim
		}
		return cands[i].label < cands[j].label
	})
	return cands[0].label, cands[0].ov
}

// clipStart pulls a segment's start up to within maxSegmentOverlapSec of the
// previous segment's end. Attribution has already run on the raw bounds; the
// clip only affects the reported and stored timeline.
func clipStart(seg *Segment, prev Segment) {
	floor := prev.EndSec - maxSegmentOverlapSec
	if prev.StartSec > floor {
		floor = prev.StartSec
	}
	if seg.StartSec >= floor {
		return
	}
	seg.StartSec = floor
	if seg.EndSec < seg.StartSec {
		seg.EndSec = seg.StartSec
	}
	seg.FormattedTime = FormatTime(seg.StartSec)
}

// buildMetrics summarises the aligned segments.
func buildMetrics(segs []Segment) Metrics {
	m := Metrics{
		TotalSegments:   len(segs),
		MethodBreakdown: make(map[string]int),
	}
	var sum float64
	for _, s := range segs {
		sum += s.SpeakerConfidence
		m.MethodBreakdown[string(s.Method)]++
		switch s.State {
		case StateConfident:
			m.ConfidentCount++
		case StateOverlap:
			m.OverlapCount++
		default:
			m.UncertainCount++
		}
	}
	if len(segs) > 0 {
		m.AvgConfidence = sum / float64(len(segs))
	}
	return m
}

// maxByValue returns the key with the largest value, breaking ties by key so
// the result is deterministic.
func maxByValue(m map[string]float64) (string, float64) {
	var bestKey string
	var bestVal float64
	for k, v := range m {
		if v > bestVal || (v == bestVal && (bestKey == "" || k < bestKey)) {
			bestKey, bestVal = k, v
		}
	}
	return bestKey, bestVal
}

// countAbove counts map values at or above the threshold.
func countAbove(m map[string]float64, threshold float64) int {
	n := 0
	for _, v := range m {
		if v >= threshold {
			n++
		}
	}
	return n
}

// FormatTime renders seconds since recording start as MM:SS.
func FormatTime(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	total := int(sec)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
