package pcm

import (
	"bytes"
	"math"
	"testing"
)

func TestInt16Roundtrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	out := BytesToInt16(Int16ToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestDecodeFrame(t *testing.T) {
	samples := []int16{100, -200, 300}
	msg := EncodeFrame(3.25, samples)

	start, got, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start != 3.25 {
		t.Errorf("start = %v, want 3.25", start)
	}
	if len(got) != 3 || got[0] != 100 || got[1] != -200 || got[2] != 300 {
		t.Errorf("samples = %v, want %v", got, samples)
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want error
	}{
		{"empty", nil, ErrFrameTooShort},
		{"short header", make([]byte, 7), ErrFrameTooShort},
		{"odd payload", make([]byte, 9), ErrOddPayload},
		{"nan timestamp", EncodeFrame(math.NaN(), []int16{1}), ErrFrameTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeFrame(tt.msg)
			if err != tt.want {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeFrame_HeaderOnly(t *testing.T) {
	start, samples, err := DecodeFrame(EncodeFrame(1.5, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start != 1.5 || len(samples) != 0 {
		t.Errorf("got start=%v len=%d, want 1.5 and 0", start, len(samples))
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS(make([]int16, 160)); got != 0 {
		t.Errorf("RMS(zeros) = %v, want 0", got)
	}
	// Full-scale square wave has RMS ≈ 1.
	loud := make([]int16, 160)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 32767
		} else {
			loud[i] = -32767
		}
	}
	if got := RMS(loud); math.Abs(got-1.0) > 0.001 {
		t.Errorf("RMS(square) = %v, want ~1.0", got)
	}
}

func TestWAVRoundtrip(t *testing.T) {
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(math.Sin(float64(i)/10) * 10000)
	}

	var buf bytes.Buffer
	if err := EncodeWAV(&buf, samples, SampleRate); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, rate, err := ReadWAV(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != SampleRate {
		t.Errorf("rate = %d, want %d", rate, SampleRate)
	}
	if len(got) != len(samples) {
		t.Fatalf("sample count = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestReadWAV_Rejects(t *testing.T) {
	if _, _, err := ReadWAV(bytes.NewReader(make([]byte, 44))); err != ErrNotWAV {
		t.Errorf("err = %v, want ErrNotWAV", err)
	}
}
