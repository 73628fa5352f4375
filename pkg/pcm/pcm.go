// Package pcm provides the audio primitives shared across Lectern: 16-bit
// little-endian PCM codecs, the binary ingress frame format, WAV muxing, and
// the per-session rolling sample buffer.
//
// All audio in Lectern is 16 kHz mono s16le unless stated otherwise. These
// helpers are deliberately allocation-conscious — they sit on the hot ingest
// path of every session.
package pcm

import (
	"encoding/binary"
	"errors"
	"math"
)

// SampleRate is the fixed pipeline sample rate in Hz.
const SampleRate = 16000

// BytesPerSample is the size of one s16le sample.
const BytesPerSample = 2

// frameHeaderSize is the length of the f64 timestamp header on every binary
// ingress frame.
const frameHeaderSize = 8

var (
	// ErrFrameTooShort is returned when a binary frame is shorter than the
	// 8-byte timestamp header.
	ErrFrameTooShort = errors.New("pcm: frame shorter than timestamp header")

	// ErrOddPayload is returned when the PCM payload of a frame has an odd
	// byte count and therefore cannot contain whole s16le samples.
	ErrOddPayload = errors.New("pcm: payload byte count is not sample aligned")
)

// BytesToInt16 decodes little-endian s16le bytes into samples. The input
// length must be even; callers validate via [DecodeFrame] or check themselves.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return samples
}

// Int16ToBytes encodes samples as little-endian s16le bytes.
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return data
}

// DecodeFrame parses a binary ingress frame:
//
//	[0..8)   float64 LE: audio start offset in seconds (client clock)
//	[8..N)   int16 LE samples, 16 kHz mono
//
// The returned sample slice is a fresh copy; the caller may retain it after
// the websocket message buffer is reused.
func DecodeFrame(msg []byte) (startSec float64, samples []int16, err error) {
	if len(msg) < frameHeaderSize {
		return 0, nil, ErrFrameTooShort
	}
	payload := msg[frameHeaderSize:]
	if len(payload)%BytesPerSample != 0 {
		return 0, nil, ErrOddPayload
	}
	startSec = math.Float64frombits(binary.LittleEndian.Uint64(msg))
	if math.IsNaN(startSec) || math.IsInf(startSec, 0) {
		return 0, nil, ErrFrameTooShort
	}
	return startSec, BytesToInt16(payload), nil
}

// EncodeFrame builds a binary ingress frame from a timestamp and samples.
// Used by tests and by local capture tooling.
func EncodeFrame(startSec float64, samples []int16) []byte {
	msg := make([]byte, frameHeaderSize+len(samples)*BytesPerSample)
	binary.LittleEndian.PutUint64(msg, math.Float64bits(startSec))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(msg[frameHeaderSize+i*BytesPerSample:], uint16(s))
	}
	return msg
}

// RMS computes the root-mean-square energy of samples normalised to [0, 1].
// Returns 0 for an empty slice.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Duration returns the play time in seconds of a sample count at the pipeline
// sample rate.
func Duration(sampleCount int) float64 {
	return float64(sampleCount) / float64(SampleRate)
}
