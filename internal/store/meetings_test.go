package store

import "testing"

func TestDefaultDisplayName(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"SPEAKER_00", "Speaker 1"},
		{"SPEAKER_01", "Speaker 2"},
		{"SPEAKER_11", "Speaker 12"},
		{"spk3", "Speaker 4"},
		{"Alice", "Alice"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := DefaultDisplayName(tt.label); got != tt.want {
			t.Errorf("DefaultDisplayName(%q) = %q, want %q", tt.label, got, tt.want)
		}
	}
}
