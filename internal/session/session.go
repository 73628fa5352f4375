// Package session implements the live streaming transcription pipeline: one
// Session per connected speaker, fed by a WebSocket, fanning audio out to the
// chunk recorder and the rolling transcription buffer.
//
// Concurrency contract: frame ingestion and trigger evaluation run on a
// single processor goroutine, which is the sole writer to the rolling buffer
// and the recorder. Streaming recogniser calls run on a bounded worker pool
// so a slow request cannot stall ingestion. At most one final-commit is in
// flight; further triggers queue up to a bounded depth and beyond that are
// coalesced with the newest pending.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/lectern-ai/lectern/internal/align"
	"github.com/lectern-ai/lectern/internal/dedupe"
	"github.com/lectern-ai/lectern/internal/observe"
	"github.com/lectern-ai/lectern/internal/recorder"
	"github.com/lectern-ai/lectern/internal/resilience"
	"github.com/lectern-ai/lectern/internal/store"
	"github.com/lectern-ai/lectern/pkg/asr"
	"github.com/lectern-ai/lectern/pkg/pcm"
	"github.com/lectern-ai/lectern/pkg/vad"
)

// State tracks the session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Commit trigger reasons, reported in the final event and the metrics.
const (
	reasonSilence      = "silence"
	reasonPunctuation  = "punctuation"
	reasonWindowFull   = "window_full"
	reasonStableText   = "stable_text"
	reasonSessionClose = "session_close"
)

const (
	vadFrameMs  = 30
	vadFrameLen = vadFrameMs * pcm.SampleRate / 1000

	// triggerDepth bounds pending commit requests; beyond it new triggers
	// coalesce with the newest pending.
	triggerDepth = 4

	// timestampClampStep is added to the last seen frame start when a client
	// sends a frame that would move time backwards.
	timestampClampStep = 0.1

	// minCommitSec is the least buffered audio worth sending to the
	// recogniser on a silence trigger.
	minCommitSec = 0.5

	// partialIntervalSec paces opportunistic partial transcriptions.
	partialIntervalSec = 1.0

	// punctuationQuietSec is how long a sentence-terminal partial must stand
	// unchanged before it triggers a commit.
	punctuationQuietSec = 3.0

	// stableRepeatCount commits when this many consecutive recogniser
	// outputs end in the same text.
	stableRepeatCount = 4

	// streamCallTimeout bounds one streaming recogniser call.
	streamCallTimeout = 8 * time.Second

	writeTimeout = 5 * time.Second
)

// settings is the resolved per-session tuning, built by the Manager from the
// loaded configuration.
type settings struct {
	windowSec        float64
	overlapSec       float64
	maxWindowSec     float64
	silenceCommitSec float64
	maxAudioQueue    int
	heartbeat        time.Duration
	linger           time.Duration
	workers          int64
	chunkDurationSec float64
	vad              vad.Config
}

// audioFrame is one decoded client audio frame.
type audioFrame struct {
	startSec float64
	samples  []int16
}

// commitRequest carries a buffer snapshot from the processor to the commit
// worker.
type commitRequest struct {
	reason   string
	samples  []int16
	startSec float64
	endSec   float64
}

// Session is one live transcription stream. It survives socket drops: the
// Manager rebinds a reconnecting client to the existing Session until the
// linger deadline passes.
type Session struct {
	ID        string
	UserEmail string

	cfg     settings
	log     *slog.Logger
	metrics *observe.Metrics

	stream  asr.Streaming
	st      *store.Store
	rec     *recorder.Recorder
	det     vad.Detector
	buf     *pcm.RollingBuffer
	dedupe  *dedupe.Deduper
	workers *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	frames   chan audioFrame
	triggers chan commitRequest
	slides   chan struct{}

	done       chan struct{} // processor exited
	commitDone chan struct{} // commit worker exited

	mu         sync.Mutex
	conn       *websocket.Conn
	detachedAt time.Time
	meetingID  string
	liveVerID  int64

	tsMu      sync.Mutex
	lastStart float64

	// Partial tracking, shared between partial workers and the processor.
	pmu             sync.Mutex
	lastPartialText string
	partialQuietAt  time.Time
	tailHistory     []string

	state             atomic.Int32
	degraded          atomic.Bool
	partialInFlight   atomic.Bool
	heartbeatDeadline atomic.Int64

	closeOnce sync.Once

	// Processor-local state. Touched only by the processor goroutine.
	vadRem        []int16
	silenceSec    float64
	lastPartialAt time.Time
	lastDropped   int64

	// Commit-worker-local. Touched only by the commit worker and, after it
	// has exited, by the drain path.
	lastFinalEnd float64
}

// newSession builds a Session, acquires its recording lease and starts the
// background tasks. The caller owns the returned session until Close.
func newSession(id, userEmail string, cfg settings, deps Deps) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		UserEmail:  userEmail,
		cfg:        cfg,
		log:        slog.Default().With("session_id", id),
		metrics:    deps.Metrics,
		stream:     deps.Streaming,
		st:         deps.Store,
		det:        vad.New(cfg.vad),
		dedupe:     dedupe.New(dedupe.DefaultConfig()),
		workers:    semaphore.NewWeighted(cfg.workers),
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan audioFrame, cfg.maxAudioQueue),
		triggers:   make(chan commitRequest, triggerDepth),
		slides:     make(chan struct{}, triggerDepth),
		done:       make(chan struct{}),
		commitDone: make(chan struct{}),
	}
	s.buf = pcm.NewRollingBuffer(pcm.RollingBufferConfig{
		WindowSec:    cfg.windowSec,
		OverlapSec:   cfg.overlapSec,
		MaxWindowSec: cfg.maxWindowSec,
	})

	if deps.Recordings != nil {
		rec, err := deps.Recordings.Start(id,
			recorder.WithChunkDuration(cfg.chunkDurationSec),
			recorder.WithOnChunkClosed(s.onChunkClosed),
		)
		if err != nil {
			cancel()
			return nil, err
		}
		s.rec = rec
	}

	s.state.Store(int32(StateIdle))
	s.resetHeartbeat()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}

	go s.processLoop()
	go s.commitLoop()
	go s.heartbeatLoop()
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug("session state change", "from", old.String(), "to", st.String())
	}
}

// Degraded reports whether the session has stopped transcribing after a
// permanent recogniser failure. Recording continues in this mode.
func (s *Session) Degraded() bool {
	return s.degraded.Load()
}

// Bind attaches a socket to the session, superseding any previous one, and
// sends the connected handshake. Safe to call on resume.
func (s *Session) Bind(c *websocket.Conn) {
	s.mu.Lock()
	if old := s.conn; old != nil && old != c {
		old.Close(websocket.StatusGoingAway, "superseded by reconnect")
	}
	s.conn = c
	s.detachedAt = time.Time{}
	s.mu.Unlock()

	s.resetHeartbeat()
	s.setState(StateConnected)
	s.writeEvent(ConnectedEvent{Type: TypeConnected, SessionID: s.ID})
	s.setState(StateStreaming)
}

// Detach drops the socket if it is still the bound one. The session keeps
// running and remains resumable until the linger deadline.
func (s *Session) Detach(c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return
	}
	s.detachLocked()
}

func (s *Session) detachLocked() {
	if s.conn == nil {
		return
	}
	s.conn.Close(websocket.StatusGoingAway, "detached")
	s.conn = nil
	s.detachedAt = time.Now()
	s.log.Info("socket detached, session lingers", "linger", s.cfg.linger)
}

// detachedSince returns the time the socket dropped, or the zero time while a
// socket is bound.
func (s *Session) detachedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return time.Time{}
	}
	return s.detachedAt
}

// AssignMeeting renames the recording directory to the meeting ID and starts
// persisting finals under that meeting.
func (s *Session) AssignMeeting(ctx context.Context, meetingID string) error {
	if s.st != nil {
		if err := s.st.CreateMeeting(ctx, meetingID, s.UserEmail); err != nil {
			return err
		}
	}
	if s.rec != nil {
		if err := s.rec.AssignMeetingID(meetingID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.meetingID = meetingID
	s.mu.Unlock()
	s.log.Info("meeting assigned", "meeting_id", meetingID)
	return nil
}

// MeetingID returns the assigned meeting ID, or "" before assignment.
func (s *Session) MeetingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meetingID
}

// ReadLoop consumes messages from c until the socket fails or the session
// closes. It is the only reader of c; the caller must Detach afterwards.
func (s *Session) ReadLoop(ctx context.Context, c *websocket.Conn) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		s.resetHeartbeat()

		switch typ {
		case websocket.MessageBinary:
			s.handleBinary(data)
		case websocket.MessageText:
			s.handleControl(data)
		}

		if s.State() >= StateDraining {
			return nil
		}
	}
}

func (s *Session) handleBinary(data []byte) {
	startSec, samples, err := pcm.DecodeFrame(data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.InvalidFrames.Add(s.ctx, 1)
		}
		s.log.Warn("dropping invalid audio frame", "err", err)
		return
	}

	// Clients occasionally rewind their clock after a hiccup; frame starts
	// must stay monotonic for the buffer and the recorder. Starts may land
	// marginally before the previous frame's end (scheduling jitter), so only
	// a rewind past the previous start is rewritten.
	s.tsMu.Lock()
	if startSec < s.lastStart {
		s.log.Warn("non-monotonic frame timestamp, clamping",
			"got", startSec, "last", s.lastStart)
		startSec = s.lastStart + timestampClampStep
	}
	s.lastStart = startSec
	s.tsMu.Unlock()

	s.enqueueFrame(audioFrame{startSec: startSec, samples: samples})
}

// enqueueFrame pushes onto the bounded queue, dropping the oldest frame on
// overflow so live audio keeps flowing at the cost of a transcription gap.
func (s *Session) enqueueFrame(f audioFrame) {
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case old := <-s.frames:
		if s.metrics != nil {
			s.metrics.DroppedAudioChunks.Add(s.ctx, 1)
		}
		s.log.Warn("audio queue full, dropped oldest frame", "dropped_start", old.startSec)
	default:
	}
	select {
	case s.frames <- f:
	default:
	}
}

func (s *Session) handleControl(data []byte) {
	msg, err := parseControl(data)
	if err != nil {
		s.log.Debug("ignoring malformed control message", "err", err)
		return
	}
	switch msg.Type {
	case "ping":
		s.writeEvent(PongEvent{Type: TypePong})
	default:
		s.log.Debug("ignoring unknown control message", "type", msg.Type)
	}
}

// processLoop is the single writer to the buffer and the recorder.
func (s *Session) processLoop() {
	defer close(s.done)

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case <-s.slides:
			s.buf.Slide()
		case f := <-s.frames:
			s.handleFrame(f)
		case <-tick.C:
			s.housekeeping()
		}
	}
}

func (s *Session) handleFrame(f audioFrame) {
	if s.rec != nil {
		if err := s.rec.Write(f.samples, f.startSec); err != nil && !errors.Is(err, recorder.ErrClosed) {
			s.log.Error("chunk recorder write failed", "err", err)
		}
	}
	if s.degraded.Load() {
		return
	}

	s.buf.Append(f.samples, f.startSec)
	if d := s.buf.Dropped(); d != s.lastDropped {
		if s.metrics != nil {
			s.metrics.BufferSampleDrops.Add(s.ctx, d-s.lastDropped)
		}
		s.lastDropped = d
	}

	s.observeSpeech(f.samples)

	if s.silenceSec >= s.cfg.silenceCommitSec && s.buf.DurationSec() >= minCommitSec {
		s.requestCommit(reasonSilence)
		s.silenceSec = 0
	}
	if s.buf.DurationSec() >= s.cfg.windowSec {
		s.requestCommit(reasonWindowFull)
	}
}

// observeSpeech runs the detector over fixed-size frames, carrying the
// remainder between client frames, and accumulates trailing silence.
func (s *Session) observeSpeech(samples []int16) {
	s.vadRem = append(s.vadRem, samples...)
	for len(s.vadRem) >= vadFrameLen {
		frame := s.vadRem[:vadFrameLen]
		s.vadRem = s.vadRem[vadFrameLen:]

		speech, _, err := s.det.IsSpeech(frame, vadFrameMs)
		if err != nil {
			s.log.Debug("vad frame rejected", "err", err)
			continue
		}
		if speech {
			s.silenceSec = 0
		} else {
			s.silenceSec += float64(vadFrameMs) / 1000
		}
	}
}

func (s *Session) housekeeping() {
	if s.degraded.Load() {
		return
	}

	now := time.Now()

	s.pmu.Lock()
	stable := len(s.tailHistory) >= stableRepeatCount &&
		allEqual(s.tailHistory[len(s.tailHistory)-stableRepeatCount:])
	punct := s.lastPartialText != "" &&
		endsSentence(s.lastPartialText) &&
		!s.partialQuietAt.IsZero() &&
		now.Sub(s.partialQuietAt).Seconds() >= punctuationQuietSec
	if stable || punct {
		s.tailHistory = s.tailHistory[:0]
		s.lastPartialText = ""
		s.partialQuietAt = time.Time{}
	}
	s.pmu.Unlock()

	if stable && s.buf.DurationSec() >= minCommitSec {
		s.requestCommit(reasonStableText)
	} else if punct && s.buf.DurationSec() >= minCommitSec {
		s.requestCommit(reasonPunctuation)
	}

	s.maybeStartPartial(now)
}

// requestCommit snapshots the buffer on the processor goroutine and hands the
// copy to the commit worker.
func (s *Session) requestCommit(reason string) {
	samples, start, end := s.buf.Snapshot()
	if len(samples) == 0 {
		return
	}
	req := commitRequest{reason: reason, samples: samples, startSec: start, endSec: end}
	select {
	case s.triggers <- req:
	default:
		// Queue full: this trigger coalesces with the newest pending one,
		// which covers a superset of the same audio.
		s.log.Debug("trigger queue full, coalescing", "reason", reason)
	}
}

func (s *Session) maybeStartPartial(now time.Time) {
	if s.stream == nil || s.buf.DurationSec() < 1.0 {
		return
	}
	if now.Sub(s.lastPartialAt).Seconds() < partialIntervalSec {
		return
	}
	if !s.partialInFlight.CompareAndSwap(false, true) {
		return
	}
	s.lastPartialAt = now
	samples, start, end := s.buf.Snapshot()
	if len(samples) == 0 {
		s.partialInFlight.Store(false)
		return
	}
	go s.runPartial(samples, start, end)
}

// runPartial produces one best-effort preview transcription. Failures are
// logged and dropped; the final path owns retries.
func (s *Session) runPartial(samples []int16, startSec, endSec float64) {
	defer s.partialInFlight.Store(false)

	if err := s.workers.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.workers.Release(1)

	ctx, cancel := context.WithTimeout(s.ctx, streamCallTimeout)
	defer cancel()

	began := time.Now()
	res, err := s.stream.Transcribe(ctx, pcm.Int16ToBytes(samples), s.contextHint())
	if s.metrics != nil {
		s.metrics.StreamingASRDuration.Record(s.ctx, time.Since(began).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordASRError(s.ctx, "streaming", "partial")
		}
		s.log.Debug("partial transcription failed", "err", err)
		return
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}

	isStable := s.recordPartial(text)
	s.writeEvent(PartialEvent{Type: TypePartial, Text: text, Confidence: res.Confidence, IsStable: isStable})
	if s.metrics != nil {
		s.metrics.PartialsEmitted.Add(s.ctx, 1)
	}
}

// recordPartial updates the stability tracking shared with the processor and
// reports whether the trailing text held steady since the previous output.
func (s *Session) recordPartial(text string) bool {
	tail := trailingWords(text, 3)

	s.pmu.Lock()
	defer s.pmu.Unlock()

	stable := len(s.tailHistory) > 0 && s.tailHistory[len(s.tailHistory)-1] == tail
	s.tailHistory = append(s.tailHistory, tail)
	if len(s.tailHistory) > 2*stableRepeatCount {
		s.tailHistory = s.tailHistory[len(s.tailHistory)-stableRepeatCount:]
	}
	if text != s.lastPartialText {
		s.lastPartialText = text
		s.partialQuietAt = time.Now()
	}
	return stable
}

func (s *Session) commitLoop() {
	defer close(s.commitDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.triggers:
			s.commit(s.ctx, req)
		}
	}
}

// commit transcribes one snapshot, dedupes it against recent output and, on
// success, emits the final, persists it and schedules a buffer slide. On
// transient failure after retries the buffer is kept so the next trigger
// retries the same audio.
func (s *Session) commit(ctx context.Context, req commitRequest) {
	if s.stream == nil || s.degraded.Load() {
		return
	}
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.workers.Release(1)

	var res asr.StreamResult
	began := time.Now()
	err := resilience.Retry(ctx, resilience.DefaultRetryPolicy(), asr.IsTransient, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, streamCallTimeout)
		defer cancel()
		var err error
		res, err = s.stream.Transcribe(cctx, pcm.Int16ToBytes(req.samples), s.contextHint())
		return err
	})
	if s.metrics != nil {
		s.metrics.StreamingASRDuration.Record(s.ctx, time.Since(began).Seconds())
	}
	if err != nil {
		s.handleCommitError(err)
		return
	}

	text, action := s.dedupe.Filter(res.Text)
	if s.metrics != nil {
		s.metrics.RecordDedupe(s.ctx, action.String())
	}
	if action == dedupe.Drop || strings.TrimSpace(text) == "" {
		s.log.Debug("final dropped as duplicate", "reason", req.reason)
		s.scheduleSlide()
		return
	}

	// The snapshot overlaps the previous one by design; the duplicated words
	// were trimmed above, so the new content effectively starts where the
	// previous final ended.
	startSec := req.startSec
	if s.lastFinalEnd > startSec {
		startSec = s.lastFinalEnd
	}
	endSec := req.endSec
	if endSec <= startSec {
		s.log.Debug("final skipped, no new audio span", "reason", req.reason)
		s.scheduleSlide()
		return
	}
	s.lastFinalEnd = endSec

	s.writeEvent(FinalEvent{
		Type:           TypeFinal,
		Text:           text,
		Confidence:     res.Confidence,
		Reason:         req.reason,
		AudioStartTime: startSec,
		AudioEndTime:   endSec,
		Duration:       endSec - startSec,
	})
	s.persistFinal(ctx, text, res.Confidence, startSec, endSec)
	s.dedupe.Commit(text)
	if s.metrics != nil {
		s.metrics.RecordFinal(s.ctx, req.reason)
	}
	s.scheduleSlide()
}

func (s *Session) handleCommitError(err error) {
	if asr.IsTransient(err) {
		s.log.Error("streaming transcription unavailable, keeping buffer", "err", err)
		if s.metrics != nil {
			s.metrics.RecordASRError(s.ctx, "streaming", "transient")
		}
		s.writeEvent(ErrorEvent{
			Type:    TypeError,
			Code:    CodeASRUnavailable,
			Message: "transcription temporarily unavailable, audio is still being recorded",
		})
		return
	}

	// Permanent failure: stop transcribing but keep recording so the meeting
	// can be transcribed in post-processing.
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Error("streaming transcription failed permanently, session degraded", "err", err)
		if s.metrics != nil {
			s.metrics.RecordASRError(s.ctx, "streaming", "permanent")
		}
		s.writeEvent(ErrorEvent{
			Type:    TypeError,
			Code:    CodeASRDegraded,
			Message: "live transcription disabled, audio recording continues",
		})
	}
}

// persistFinal appends the segment to the meeting's live version. Finals
// emitted before a meeting is assigned are client-only.
func (s *Session) persistFinal(ctx context.Context, text string, confidence, startSec, endSec float64) {
	meetingID := s.MeetingID()
	if s.st == nil || meetingID == "" {
		return
	}

	s.mu.Lock()
	verID := s.liveVerID
	s.mu.Unlock()
	if verID == 0 {
		var err error
		verID, err = s.st.EnsureLiveVersion(ctx, meetingID)
		if err != nil {
			s.log.Error("ensure live version failed", "meeting_id", meetingID, "err", err)
			return
		}
		s.mu.Lock()
		s.liveVerID = verID
		s.mu.Unlock()
	}

	seg := align.Segment{
		Text:              text,
		StartSec:          startSec,
		EndSec:            endSec,
		FormattedTime:     align.FormatTime(startSec),
		SpeakerConfidence: confidence,
		State:             align.StateUnknownSpeaker,
		Method:            align.MethodLive,
	}
	if err := s.st.AppendLiveSegment(ctx, verID, seg); err != nil {
		s.log.Error("append live segment failed", "meeting_id", meetingID, "err", err)
	}
}

// scheduleSlide asks the processor to slide the buffer. Non-blocking: if the
// processor has already exited the slide is moot.
func (s *Session) scheduleSlide() {
	select {
	case s.slides <- struct{}{}:
	default:
	}
}

// contextHint returns recent committed text used to prime the recogniser.
func (s *Session) contextHint() string {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.lastPartialText
}

func (s *Session) onChunkClosed(info recorder.ChunkInfo) {
	meetingID := s.MeetingID()
	if s.st == nil || meetingID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.st.RecordChunk(ctx, store.ChunkRecord{
		MeetingID:    meetingID,
		Seq:          info.Seq,
		StartedAtSec: info.StartedAtSec,
		Path:         info.Path,
		ByteCount:    info.ByteCount,
	})
	if err != nil {
		s.log.Warn("record chunk metadata failed", "seq", info.Seq, "err", err)
	}
}

func (s *Session) resetHeartbeat() {
	s.heartbeatDeadline.Store(time.Now().Add(s.cfg.heartbeat).UnixNano())
}

// heartbeatLoop closes the socket when no frame or ping arrives within the
// heartbeat window. The session itself keeps lingering for resume.
func (s *Session) heartbeatLoop() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick.C:
			s.mu.Lock()
			missed := s.conn != nil && time.Now().UnixNano() > s.heartbeatDeadline.Load()
			if missed {
				s.log.Info("heartbeat missed, closing socket")
				s.detachLocked()
			}
			s.mu.Unlock()
		}
	}
}

// writeEvent sends one JSON event to the bound socket. A write failure
// detaches the socket immediately; events while detached are dropped.
func (s *Session) writeEvent(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal event failed", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Warn("socket write failed, detaching", "err", err)
		s.detachLocked()
	}
}

// Close drains and shuts down the session. Idempotent. The drain flushes any
// queued frames and remaining buffered audio through one last commit before
// the recorder is closed.
func (s *Session) Close(drainTimeout time.Duration) {
	s.closeOnce.Do(func() {
		s.setState(StateDraining)
		s.cancel()

		select {
		case <-s.done:
		case <-time.After(drainTimeout + time.Second):
			s.log.Warn("drain timed out", "timeout", drainTimeout)
		}
	})
}

// drain runs on the processor goroutine after cancellation: absorb queued
// frames, force-flush the buffer, close the recorder, release the detector.
func (s *Session) drain() {
	<-s.commitDone

	for {
		select {
		case f := <-s.frames:
			if s.rec != nil {
				if err := s.rec.Write(f.samples, f.startSec); err != nil && !errors.Is(err, recorder.ErrClosed) {
					s.log.Error("chunk recorder write failed during drain", "err", err)
				}
			}
			if !s.degraded.Load() {
				s.buf.Append(f.samples, f.startSec)
			}
			continue
		default:
		}
		break
	}

	if !s.degraded.Load() && s.buf.Len() > 0 && s.stream != nil {
		samples, start, end := s.buf.Drain()
		ctx, cancel := context.WithTimeout(context.Background(), streamCallTimeout+time.Second)
		s.commit(ctx, commitRequest{reason: reasonSessionClose, samples: samples, startSec: start, endSec: end})
		cancel()
	}

	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			s.log.Error("close recorder failed", "err", err)
		}
	}
	if meetingID := s.MeetingID(); s.st != nil && meetingID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.st.SetAudioRecorded(ctx, meetingID, true); err != nil {
			s.log.Warn("mark audio recorded failed", "meeting_id", meetingID, "err", err)
		}
		cancel()
	}
	s.det.Reset()

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.conn = nil
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.setState(StateClosed)
	s.log.Info("session closed")
}

// endsSentence reports whether text ends with sentence-terminal punctuation.
func endsSentence(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// trailingWords returns the last n whitespace-separated words of text,
// lowercased.
func trailingWords(text string, n int) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

func allEqual(ss []string) bool {
	for _, v := range ss {
		if v != ss[0] || v == "" {
			return false
		}
	}
	return true
}
