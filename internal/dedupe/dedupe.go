// Package dedupe filters streaming transcription output for text that was
// already committed. Because adjacent rolling-buffer windows share an overlap
// region, the recogniser re-reads the tail of the previous window and repeats
// phrases; this package drops exact repeats and trims partial ones.
//
// The Deduper is a pure filter with no external dependencies: feed candidate
// text through [Deduper.Filter], then record what was actually committed with
// [Deduper.Commit]. It is not safe for concurrent use; each session owns one.
package dedupe

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/cespare/xxhash/v2"
)

// Action describes what Filter decided for a candidate text.
type Action int

const (
	// Keep means the text passed through unchanged.
	Keep Action = iota
	// Trimmed means a leading overlap was removed and a remainder survives.
	Trimmed
	// Drop means the text duplicates committed output entirely.
	Drop
)

// String returns the action name for logs.
func (a Action) String() string {
	switch a {
	case Keep:
		return "keep"
	case Trimmed:
		return "trimmed"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Config tunes the duplicate detection thresholds.
type Config struct {
	// HashWindow is how many recent committed finals are remembered for
	// exact-repeat detection.
	HashWindow int
	// NGram is the character n-gram size for overlap scoring.
	NGram int
	// TailChars caps the committed-text tail used for overlap scoring.
	TailChars int
	// DropOverlap drops the candidate when its n-gram overlap with the tail
	// is at or above this ratio.
	DropOverlap float64
	// TrimOverlap trims the leading overlap when the ratio falls in
	// [TrimOverlap, DropOverlap).
	TrimOverlap float64
	// SubsequenceRatio is the minimum Levenshtein similarity for the
	// near-subsequence check against the last committed final.
	SubsequenceRatio float64
	// SubsequenceLengthRatio is the maximum committed/candidate length ratio
	// for the near-subsequence check.
	SubsequenceLengthRatio float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		HashWindow:             8,
		NGram:                  5,
		TailChars:              200,
		DropOverlap:            0.85,
		TrimOverlap:            0.4,
		SubsequenceRatio:       0.9,
		SubsequenceLengthRatio: 1.1,
	}
}

// Deduper suppresses repeated phrases across adjacent transcription windows.
type Deduper struct {
	cfg Config

	hashes    []uint64
	tail      string
	lastFinal string
}

// New creates a Deduper. Zero-valued config fields take their defaults.
func New(cfg Config) *Deduper {
	def := DefaultConfig()
	if cfg.HashWindow <= 0 {
		cfg.HashWindow = def.HashWindow
	}
	if cfg.NGram <= 0 {
		cfg.NGram = def.NGram
	}
	if cfg.TailChars <= 0 {
		cfg.TailChars = def.TailChars
	}
	if cfg.DropOverlap <= 0 {
		cfg.DropOverlap = def.DropOverlap
	}
	if cfg.TrimOverlap <= 0 {
		cfg.TrimOverlap = def.TrimOverlap
	}
	if cfg.SubsequenceRatio <= 0 {
		cfg.SubsequenceRatio = def.SubsequenceRatio
	}
	if cfg.SubsequenceLengthRatio <= 0 {
		cfg.SubsequenceLengthRatio = def.SubsequenceLengthRatio
	}
	return &Deduper{cfg: cfg}
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Normalize lowercases, collapses whitespace and strips non-word characters
// from both ends. Exported because the session uses the same form for text
// stability comparisons.
func Normalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = whitespaceRE.ReplaceAllString(t, " ")
	t = strings.TrimFunc(t, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r > 127)
	})
	return t
}

// Filter decides whether text duplicates committed output. It returns the
// text to emit (possibly trimmed) and the action taken. On Drop the returned
// text is empty. Filter does not record anything; call Commit with the text
// that was actually committed downstream.
func (d *Deduper) Filter(text string) (string, Action) {
	norm := Normalize(text)
	if norm == "" {
		return "", Drop
	}

	h := xxhash.Sum64String(norm)
	for _, prev := range d.hashes {
		if prev == h {
			return "", Drop
		}
	}

	if d.tail != "" {
		overlap := ngramOverlap(norm, d.tail, d.cfg.NGram)
		switch {
		case overlap >= d.cfg.DropOverlap:
			return "", Drop
		case overlap >= d.cfg.TrimOverlap:
			trimmed := d.trimLeadingOverlap(text)
			if Normalize(trimmed) == "" {
				return "", Drop
			}
			return trimmed, Trimmed
		}
	}

	if d.isNearSubsequence(norm) {
		return "", Drop
	}

	return text, Keep
}

// Commit records a final that was committed downstream so later candidates
// can be checked against it.
func (d *Deduper) Commit(text string) {
	norm := Normalize(text)
	if norm == "" {
		return
	}
	d.hashes = append(d.hashes, xxhash.Sum64String(norm))
	if len(d.hashes) > d.cfg.HashWindow {
		d.hashes = d.hashes[len(d.hashes)-d.cfg.HashWindow:]
	}
	d.lastFinal = norm

	if d.tail == "" {
		d.tail = norm
	} else {
		d.tail += " " + norm
	}
	if over := len(d.tail) - d.cfg.TailChars; over > 0 {
		d.tail = d.tail[over:]
	}
}

// Reset clears all committed history.
func (d *Deduper) Reset() {
	d.hashes = nil
	d.tail = ""
	d.lastFinal = ""
}

// ngramOverlap returns the fraction of text's character n-grams that also
// occur in tail. Texts shorter than n are compared by containment.
func ngramOverlap(text, tail string, n int) float64 {
	if len(text) < n {
		if strings.Contains(tail, text) {
			return 1
		}
		return 0
	}
	tailGrams := make(map[string]struct{}, len(tail))
	for i := 0; i+n <= len(tail); i++ {
		tailGrams[tail[i:i+n]] = struct{}{}
	}
	total := len(text) - n + 1
	hits := 0
	for i := 0; i+n <= len(text); i++ {
		if _, ok := tailGrams[text[i:i+n]]; ok {
			hits++
		}
	}
	return float64(hits) / float64(total)
}

// trimLeadingOverlap removes the longest run of leading words whose
// normalized form already appears in the committed tail, preserving the
// original casing and punctuation of the remainder.
func (d *Deduper) trimLeadingOverlap(text string) string {
	words := strings.Fields(text)
	cut := 0
	for i := range words {
		prefix := Normalize(strings.Join(words[:i+1], " "))
		if prefix == "" || strings.Contains(d.tail, prefix) {
			cut = i + 1
			continue
		}
		break
	}
	if cut >= len(words) {
		return ""
	}
	return strings.Join(words[cut:], " ")
}

// isNearSubsequence reports whether norm is effectively a re-read of the last
// committed final: Levenshtein similarity at or above SubsequenceRatio and the
// committed text no more than SubsequenceLengthRatio times longer.
func (d *Deduper) isNearSubsequence(norm string) bool {
	if d.lastFinal == "" {
		return false
	}
	longer := len(d.lastFinal)
	shorter := len(norm)
	if shorter > longer {
		longer, shorter = shorter, longer
	}
	if shorter == 0 {
		return false
	}
	if float64(longer)/float64(shorter) >= d.cfg.SubsequenceLengthRatio {
		return false
	}
	dist := matchr.Levenshtein(norm, d.lastFinal)
	sim := 1 - float64(dist)/float64(longer)
	return sim >= d.cfg.SubsequenceRatio
}
