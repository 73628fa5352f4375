// Package recorder persists raw session audio to disk in fixed-duration PCM
// chunks so that a crash loses at most the final partial chunk and
// post-processing can rebuild the full recording.
//
// Layout under the data root:
//
//	recordings/<meeting_id>/chunk_00001.pcm
//	                       /chunk_00002.pcm
//	                       /merged.wav        (produced by MergeToWAV)
//
// A session starts recording under its session ID before a meeting ID is
// known; AssignMeetingID renames the directory atomically once the external
// create-meeting path supplies one. The Registry enforces at most one writer
// per directory.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lectern-ai/lectern/pkg/pcm"
)

var (
	// ErrChunkLeaseHeld is returned when a second recorder is started for a
	// directory that already has an active writer.
	ErrChunkLeaseHeld = errors.New("recorder: chunk lease already held")

	// ErrClosed is returned by operations on a closed recorder.
	ErrClosed = errors.New("recorder: closed")

	// ErrNoChunks is returned by MergeToWAV when the meeting directory holds
	// no chunk files.
	ErrNoChunks = errors.New("recorder: no chunks to merge")

	// ErrChunkGap is returned by MergeToWAV when chunk sequence numbers are
	// not contiguous.
	ErrChunkGap = errors.New("recorder: gap in chunk sequence")
)

const (
	recordingsDir        = "recordings"
	chunkPattern         = "chunk_%05d.pcm"
	mergedName           = "merged.wav"
	defaultChunkDuration = 30.0
)

// ChunkInfo describes one closed chunk file.
type ChunkInfo struct {
	Seq          int
	StartedAtSec float64
	Path         string
	ByteCount    int64
}

// Registry tracks active write leases and creates recorders under a common
// data root. Safe for concurrent use.
type Registry struct {
	root string

	mu    sync.Mutex
	held  map[string]struct{}
}

// NewRegistry creates a Registry rooted at dataRoot. The recordings directory
// is created on first use.
func NewRegistry(dataRoot string) *Registry {
	return &Registry{root: dataRoot, held: make(map[string]struct{})}
}

// Root returns the recordings directory path, for health checks.
func (reg *Registry) Root() string {
	return filepath.Join(reg.root, recordingsDir)
}

func (reg *Registry) acquire(id string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.held[id]; ok {
		return fmt.Errorf("%w: %s", ErrChunkLeaseHeld, id)
	}
	reg.held[id] = struct{}{}
	return nil
}

func (reg *Registry) release(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.held, id)
}

// Option is a functional option for Start.
type Option func(*Recorder)

// WithChunkDuration sets the chunk length in seconds of audio. Default 30.
func WithChunkDuration(sec float64) Option {
	return func(r *Recorder) {
		if sec > 0 {
			r.chunkSamples = int(sec * pcm.SampleRate)
		}
	}
}

// WithOnChunkClosed registers a callback invoked after every chunk is flushed
// and closed, e.g. to register the chunk in the database. Called from the
// writer's goroutine.
func WithOnChunkClosed(fn func(ChunkInfo)) Option {
	return func(r *Recorder) { r.onClosed = fn }
}

// Recorder writes one directory's chunk files. Not safe for concurrent use;
// the owning session is the single writer.
type Recorder struct {
	reg          *Registry
	id           string
	dir          string
	chunkSamples int
	onClosed     func(ChunkInfo)

	f            *os.File
	w            *bufio.Writer
	seq          int
	chunkStart   float64
	chunkCount   int // samples in current chunk
	closed       bool
}

// Start acquires the write lease for id (a session or meeting ID), creates
// the recording directory and returns a Recorder. Fails with
// ErrChunkLeaseHeld when another recorder owns the directory.
func (reg *Registry) Start(id string, opts ...Option) (*Recorder, error) {
	if err := reg.acquire(id); err != nil {
		return nil, err
	}
	r := &Recorder{
		reg:          reg,
		id:           id,
		dir:          filepath.Join(reg.root, recordingsDir, id),
		chunkSamples: int(defaultChunkDuration * pcm.SampleRate),
	}
	for _, o := range opts {
		o(r)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		reg.release(id)
		return nil, fmt.Errorf("recorder: create dir %q: %w", r.dir, err)
	}
	return r, nil
}

// Write appends samples to the current chunk, rolling over to a new chunk
// file at exact chunk boundaries. audioStartSec is the client timestamp of
// the first sample and is recorded as the chunk start when a chunk opens.
func (r *Recorder) Write(samples []int16, audioStartSec float64) error {
	if r.closed {
		return ErrClosed
	}
	consumed := 0
	for consumed < len(samples) {
		if r.f == nil {
			start := audioStartSec + pcm.Duration(consumed)
			if err := r.openChunk(start); err != nil {
				return err
			}
		}
		space := r.chunkSamples - r.chunkCount
		n := len(samples) - consumed
		if n > space {
			n = space
		}
		if _, err := r.w.Write(pcm.Int16ToBytes(samples[consumed : consumed+n])); err != nil {
			return fmt.Errorf("recorder: write chunk: %w", err)
		}
		r.chunkCount += n
		consumed += n
		if r.chunkCount == r.chunkSamples {
			if err := r.closeChunk(); err != nil {
				return err
			}
		}
	}
	return nil
}

// AssignMeetingID atomically renames the recording directory from the
// session ID to the meeting ID and moves the write lease with it. Chunk
// files already closed keep working because the rename is directory-level.
func (r *Recorder) AssignMeetingID(meetingID string) error {
	if r.closed {
		return ErrClosed
	}
	if meetingID == r.id {
		return nil
	}
	if err := r.reg.acquire(meetingID); err != nil {
		return err
	}
	newDir := filepath.Join(r.reg.root, recordingsDir, meetingID)
	if err := os.Rename(r.dir, newDir); err != nil {
		r.reg.release(meetingID)
		return fmt.Errorf("recorder: rename %q to %q: %w", r.dir, newDir, err)
	}
	r.reg.release(r.id)
	r.id = meetingID
	r.dir = newDir
	return nil
}

// ID returns the current directory name (session ID until AssignMeetingID).
func (r *Recorder) ID() string { return r.id }

// Close flushes and fsyncs the final partial chunk and releases the lease.
// Idempotent.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.f != nil {
		err = r.closeChunk()
	}
	r.reg.release(r.id)
	return err
}

func (r *Recorder) openChunk(startSec float64) error {
	r.seq++
	path := filepath.Join(r.dir, fmt.Sprintf(chunkPattern, r.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("recorder: open chunk %q: %w", path, err)
	}
	r.f = f
	r.w = bufio.NewWriter(f)
	r.chunkStart = startSec
	r.chunkCount = 0
	return nil
}

func (r *Recorder) closeChunk() error {
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return fmt.Errorf("recorder: flush chunk: %w", err)
	}
	if err := r.f.Sync(); err != nil {
		r.f.Close()
		return fmt.Errorf("recorder: fsync chunk: %w", err)
	}
	path := r.f.Name()
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("recorder: close chunk: %w", err)
	}
	info := ChunkInfo{
		Seq:          r.seq,
		StartedAtSec: r.chunkStart,
		Path:         path,
		ByteCount:    int64(r.chunkCount) * pcm.BytesPerSample,
	}
	r.f = nil
	r.w = nil
	r.chunkCount = 0
	if r.onClosed != nil {
		r.onClosed(info)
	}
	return nil
}

// MergeToWAV concatenates all of a meeting's chunks in sequence order into a
// single 16 kHz mono 16-bit WAV and returns its path. The chunk sequence must
// be contiguous. Safe to call repeatedly; the merged file is rewritten.
func (reg *Registry) MergeToWAV(meetingID string) (string, error) {
	dir := filepath.Join(reg.root, recordingsDir, meetingID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("recorder: read dir %q: %w", dir, err)
	}

	type chunkFile struct {
		seq  int
		path string
		size int64
	}
	var chunks []chunkFile
	for _, e := range entries {
		var seq int
		if _, err := fmt.Sscanf(e.Name(), chunkPattern, &seq); err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return "", fmt.Errorf("recorder: stat %q: %w", e.Name(), err)
		}
		chunks = append(chunks, chunkFile{seq: seq, path: filepath.Join(dir, e.Name()), size: fi.Size()})
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoChunks, meetingID)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].seq < chunks[j].seq })
	for i, c := range chunks {
		if c.seq != i+1 {
			return "", fmt.Errorf("%w: %s at seq %d", ErrChunkGap, meetingID, c.seq)
		}
	}

	var totalBytes int64
	for _, c := range chunks {
		totalBytes += c.size
	}
	totalSamples := int(totalBytes / pcm.BytesPerSample)

	mergedPath := filepath.Join(dir, mergedName)
	out, err := os.OpenFile(mergedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("recorder: create %q: %w", mergedPath, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	if err := pcm.WriteWAVHeader(w, totalSamples, pcm.SampleRate); err != nil {
		return "", fmt.Errorf("recorder: write wav header: %w", err)
	}
	for _, c := range chunks {
		in, err := os.Open(c.path)
		if err != nil {
			return "", fmt.Errorf("recorder: open %q: %w", c.path, err)
		}
		_, err = io.Copy(w, in)
		in.Close()
		if err != nil {
			return "", fmt.Errorf("recorder: copy %q: %w", c.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("recorder: flush merged wav: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("recorder: fsync merged wav: %w", err)
	}
	return mergedPath, nil
}
