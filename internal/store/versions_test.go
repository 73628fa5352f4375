package store

import (
	"fmt"
	"strings"
	"testing"

	"github.com/lectern-ai/lectern/internal/align"
)

// The live-segment dedup index must only constrain live appends: aligned
// versions may contain zero-duration segments sharing a start time, and their
// insert path has no conflict clause. The index predicate hardcodes the
// method literal, so keep it in sync with align.MethodLive.
func TestLiveSegmentIndexScopedToLiveMethod(t *testing.T) {
	predicate := fmt.Sprintf("WHERE alignment_method = '%s'", align.MethodLive)
	if !strings.Contains(ddlTranscriptSegments, predicate) {
		t.Errorf("segment dedup index missing predicate %q", predicate)
	}
	if strings.Contains(ddlTranscriptSegments, "idx_segments_version_start") {
		t.Error("unscoped segment start index would reject aligned versions with shared starts")
	}
}

func TestShouldPromote(t *testing.T) {
	tests := []struct {
		name      string
		avgConf   float64
		liveWords int
		newWords  int
		want      bool
	}{
		{"high confidence, no drift", 0.9, 100, 100, true},
		{"high confidence, small drift", 0.9, 100, 104, true},
		{"high confidence, drift at bound", 0.8, 100, 105, true},
		{"high confidence, drift over bound", 0.9, 100, 106, false},
		{"high confidence, words lost", 0.9, 100, 90, false},
		{"confidence at threshold", 0.75, 100, 100, true},
		{"confidence below threshold", 0.74, 100, 100, false},
		{"no live transcript", 0.8, 0, 500, true},
		{"low confidence, no live transcript", 0.5, 0, 500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := align.Metrics{AvgConfidence: tt.avgConf}
			if got := ShouldPromote(m, tt.liveWords, tt.newWords, 0.75); got != tt.want {
				t.Errorf("ShouldPromote(conf=%v, live=%d, new=%d) = %v, want %v",
					tt.avgConf, tt.liveWords, tt.newWords, got, tt.want)
			}
		})
	}
}

func TestWordCount(t *testing.T) {
	segs := []align.Segment{
		{Text: "hello world"},
		{Text: "  spaced   out  "},
		{Text: ""},
		{Text: "one"},
	}
	if got := WordCount(segs); got != 5 {
		t.Errorf("WordCount = %d, want 5", got)
	}
}
