package dedupe

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Hello World", "hello world"},
		{"collapse whitespace", "a   b\t\nc", "a b c"},
		{"strip edge punctuation", "...well, okay!", "well, okay"},
		{"empty", "   ", ""},
		{"punctuation only", "?!.", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterExactRepeat(t *testing.T) {
	d := New(Config{})

	text := "so the deadline moves to Friday."
	got, action := d.Filter(text)
	if action != Keep || got != text {
		t.Fatalf("first Filter = (%q, %v), want (%q, Keep)", got, action, text)
	}
	d.Commit(text)

	// Same text again, different casing and spacing.
	if _, action := d.Filter("So the  deadline moves to Friday"); action != Drop {
		t.Errorf("repeat Filter action = %v, want Drop", action)
	}
}

func TestFilterHashWindowEviction(t *testing.T) {
	d := New(Config{HashWindow: 2, TailChars: 1})

	d.Commit("first unique sentence here")
	d.Commit("second unique sentence here")
	d.Commit("third unique sentence here")

	// First final fell out of the 2-entry window and the tail is too short to
	// catch it, so it passes again.
	if _, action := d.Filter("first unique sentence here"); action != Keep {
		t.Errorf("evicted repeat action = %v, want Keep", action)
	}
	if _, action := d.Filter("third unique sentence here"); action != Drop {
		t.Errorf("recent repeat action = %v, want Drop", action)
	}
}

func TestFilterTrimsLeadingOverlap(t *testing.T) {
	d := New(Config{})
	d.Commit("we should review the quarterly numbers")

	got, action := d.Filter("review the quarterly numbers before the board meeting next week")
	if action != Trimmed {
		t.Fatalf("action = %v, want Trimmed", action)
	}
	if got != "before the board meeting next week" {
		t.Errorf("trimmed text = %q", got)
	}
}

func TestFilterDropsHighOverlap(t *testing.T) {
	d := New(Config{})
	d.Commit("the migration finished without errors last night")

	// Nearly all n-grams of the candidate exist in the tail.
	if _, action := d.Filter("migration finished without errors last night"); action != Drop {
		t.Errorf("action = %v, want Drop", action)
	}
}

func TestFilterNearSubsequenceOfLastFinal(t *testing.T) {
	d := New(Config{TailChars: 1}) // effectively disable the n-gram tier
	d.Commit("we decided to ship the beta on thursday")

	// One-word edit of the last final, close in length.
	if _, action := d.Filter("we decided to ship the beta on tuesday"); action != Drop {
		t.Errorf("near-subsequence action = %v, want Drop", action)
	}

	// Much longer text is not a subsequence even if it shares a prefix.
	longer := "we decided to ship the beta on thursday and then spend two weeks on bug triage"
	if _, action := d.Filter(longer); action == Drop {
		t.Errorf("longer text dropped, want pass")
	}
}

func TestFilterUnrelatedTextPasses(t *testing.T) {
	d := New(Config{})
	d.Commit("the migration finished without errors")

	text := "completely different topic about lunch plans"
	got, action := d.Filter(text)
	if action != Keep || got != text {
		t.Errorf("Filter = (%q, %v), want (%q, Keep)", got, action, text)
	}
}

func TestFilterIdempotentWithoutCommit(t *testing.T) {
	d := New(Config{})
	text := "nothing was committed yet"
	for i := range 3 {
		got, action := d.Filter(text)
		if action != Keep || got != text {
			t.Fatalf("call %d: Filter = (%q, %v), want Keep", i, got, action)
		}
	}
}

func TestFilterEmptyAndWhitespace(t *testing.T) {
	d := New(Config{})
	for _, in := range []string{"", "   ", "\t\n", "..."} {
		if _, action := d.Filter(in); action != Drop {
			t.Errorf("Filter(%q) action = %v, want Drop", in, action)
		}
	}
}

func TestReset(t *testing.T) {
	d := New(Config{})
	d.Commit("some committed text here")
	d.Reset()

	if _, action := d.Filter("some committed text here"); action != Keep {
		t.Errorf("post-Reset action = %v, want Keep", action)
	}
}

func TestNgramOverlap(t *testing.T) {
	tests := []struct {
		name string
		text string
		tail string
		want float64
	}{
		{"identical", "abcdefgh", "abcdefgh", 1},
		{"disjoint", "abcdefgh", "zyxwvuts", 0},
		{"short text contained", "abc", "xxabcxx", 1},
		{"short text missing", "abc", "defdefdef", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ngramOverlap(tt.text, tt.tail, 5); got != tt.want {
				t.Errorf("ngramOverlap = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTailCapping(t *testing.T) {
	d := New(Config{TailChars: 50})
	d.Commit(strings.Repeat("abcde ", 20))
	if len(d.tail) > 50 {
		t.Errorf("tail length = %d, want <= 50", len(d.tail))
	}
}
