package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// wavHeaderSize is the byte length of the canonical 44-byte PCM WAV header.
const wavHeaderSize = 44

// ErrNotWAV is returned by [ReadWAV] when the input is not a 16-bit mono PCM
// RIFF/WAVE stream.
var ErrNotWAV = errors.New("pcm: not a 16-bit mono PCM WAV stream")

// WriteWAVHeader writes a canonical 44-byte PCM WAV header for sampleCount
// s16le mono samples at sampleRate. Callers stream the raw sample bytes
// afterwards; the header encodes the final sizes, so sampleCount must be
// known up front (chunk files record their byte counts on disk).
func WriteWAVHeader(w io.Writer, sampleCount, sampleRate int) error {
	dataSize := sampleCount * BytesPerSample
	var hdr [wavHeaderSize]byte

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataSize))
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*BytesPerSample))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(BytesPerSample)) // block align
	binary.LittleEndian.PutUint16(hdr[34:36], 16)                     // bits per sample

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataSize))

	_, err := w.Write(hdr[:])
	return err
}

// EncodeWAV writes a complete 16-bit mono PCM WAV stream for samples.
func EncodeWAV(w io.Writer, samples []int16, sampleRate int) error {
	if err := WriteWAVHeader(w, len(samples), sampleRate); err != nil {
		return fmt.Errorf("pcm: write wav header: %w", err)
	}
	if _, err := w.Write(Int16ToBytes(samples)); err != nil {
		return fmt.Errorf("pcm: write wav data: %w", err)
	}
	return nil
}

// ReadWAV parses a 16-bit mono PCM WAV stream and returns its samples and
// sample rate. Only the canonical header layout produced by [EncodeWAV] and
// [WriteWAVHeader] is accepted; extra RIFF chunks are not handled.
func ReadWAV(r io.Reader) (samples []int16, sampleRate int, err error) {
	var hdr [wavHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("pcm: read wav header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" || string(hdr[36:40]) != "data" {
		return nil, 0, ErrNotWAV
	}
	if binary.LittleEndian.Uint16(hdr[20:22]) != 1 || binary.LittleEndian.Uint16(hdr[22:24]) != 1 {
		return nil, 0, ErrNotWAV
	}
	if binary.LittleEndian.Uint16(hdr[34:36]) != 16 {
		return nil, 0, ErrNotWAV
	}
	sampleRate = int(binary.LittleEndian.Uint32(hdr[24:28]))
	dataSize := int(binary.LittleEndian.Uint32(hdr[40:44]))
	if dataSize%BytesPerSample != 0 {
		return nil, 0, ErrNotWAV
	}

	data := make([]byte, dataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, fmt.Errorf("pcm: read wav data: %w", err)
	}
	return BytesToInt16(data), sampleRate, nil
}
