// Package postprocess turns a finished meeting's chunked recording into a
// speaker-labeled transcript version: merge chunks to WAV, run accurate
// re-transcription and diarization in parallel, align the two, persist the
// result as a new version and promote it when it clears the quality bar.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lectern-ai/lectern/internal/align"
	"github.com/lectern-ai/lectern/internal/observe"
	"github.com/lectern-ai/lectern/internal/recorder"
	"github.com/lectern-ai/lectern/internal/resilience"
	"github.com/lectern-ai/lectern/internal/store"
	"github.com/lectern-ai/lectern/pkg/asr"
)

// jobTimeout bounds one accurate-transcription or diarization call. Full-file
// jobs on long meetings are slow; anything past this is considered hung.
const jobTimeout = 180 * time.Second

// Diarization status values written to the meeting row.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
)

// Failure reasons recorded as "failed(<reason>)".
const (
	reasonMerge         = "merge_failed"
	reasonTranscription = "transcription_failed"
	reasonDiarization   = "diarization_failed"
	reasonEmptyInputs   = "empty_inputs"
	reasonPersist       = "persist_failed"
)

// Runner executes post-processing jobs. Safe for concurrent use; each Run
// call is independent.
type Runner struct {
	st       *store.Store
	rec      *recorder.Registry
	accurate asr.Accurate
	diarizer asr.Diarizing
	engine   *align.Engine
	engCfg   align.Config
	metrics  *observe.Metrics
	log      *slog.Logger

	// promoteAvgConf is the average-confidence floor for automatic
	// promotion of the diarized version.
	promoteAvgConf float64
}

// New builds a Runner. st may be nil for dry runs; the transcript is then
// produced but not persisted.
func New(st *store.Store, rec *recorder.Registry, accurate asr.Accurate, diarizer asr.Diarizing, engineCfg align.Config, promoteAvgConf float64) *Runner {
	return &Runner{
		st:             st,
		rec:            rec,
		accurate:       accurate,
		diarizer:       diarizer,
		engine:         align.NewEngine(engineCfg),
		engCfg:         engineCfg,
		metrics:        observe.DefaultMetrics(),
		log:            slog.Default(),
		promoteAvgConf: promoteAvgConf,
	}
}

// Run post-processes one meeting. It is idempotent: a rerun appends no
// duplicate version thanks to the idempotency key derived from the aligned
// content.
func (r *Runner) Run(ctx context.Context, meetingID string) error {
	log := r.log.With("meeting_id", meetingID)
	began := time.Now()
	r.setStatus(ctx, meetingID, StatusRunning)

	wavPath, err := r.rec.MergeToWAV(meetingID)
	if err != nil {
		r.setStatus(ctx, meetingID, failed(reasonMerge))
		return fmt.Errorf("postprocess: merge chunks for %s: %w", meetingID, err)
	}
	log.Info("chunks merged", "wav", wavPath)

	segments, metrics, err := r.transcribeAndAlign(ctx, wavPath)
	if err != nil {
		r.setStatus(ctx, meetingID, failed(classify(err)))
		return err
	}
	log.Info("alignment complete",
		"segments", metrics.TotalSegments,
		"avg_confidence", metrics.AvgConfidence,
	)

	if r.st != nil {
		if err := r.persist(ctx, meetingID, segments, metrics); err != nil {
			r.setStatus(ctx, meetingID, failed(reasonPersist))
			return err
		}
	}

	r.setStatus(ctx, meetingID, StatusComplete)
	if r.metrics != nil {
		r.metrics.PostProcessDuration.Record(ctx, time.Since(began).Seconds())
	}
	log.Info("post-processing complete", "elapsed", time.Since(began))
	return nil
}

// transcribeAndAlign runs the two full-file jobs in parallel, each with its
// own retry budget, then aligns their outputs.
func (r *Runner) transcribeAndAlign(ctx context.Context, wavPath string) ([]align.Segment, align.Metrics, error) {
	var (
		texts    []asr.TextSegment
		speakers []asr.SpeakerSegment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		began := time.Now()
		err := resilience.Retry(gctx, resilience.DefaultRetryPolicy(), asr.IsTransient, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			var err error
			texts, err = r.accurate.TranscribeFile(cctx, wavPath)
			return err
		})
		if r.metrics != nil {
			r.metrics.AccurateASRDuration.Record(ctx, time.Since(began).Seconds())
		}
		if err != nil {
			if r.metrics != nil {
				r.metrics.RecordASRError(ctx, "accurate", errKind(err))
			}
			return fmt.Errorf("postprocess: accurate transcription: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		began := time.Now()
		err := resilience.Retry(gctx, resilience.DefaultRetryPolicy(), asr.IsTransient, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			var err error
			speakers, err = r.diarizer.Diarize(cctx, wavPath)
			return err
		})
		if r.metrics != nil {
			r.metrics.DiarizationDuration.Record(ctx, time.Since(began).Seconds())
		}
		if err != nil {
			if r.metrics != nil {
				r.metrics.RecordASRError(ctx, "diarizing", errKind(err))
			}
			return fmt.Errorf("postprocess: diarization: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, align.Metrics{}, err
	}

	began := time.Now()
	segments, metrics, err := r.engine.Align(texts, speakers)
	if r.metrics != nil {
		r.metrics.AlignmentDuration.Record(ctx, time.Since(began).Seconds())
	}
	if err != nil {
		return nil, align.Metrics{}, fmt.Errorf("postprocess: align: %w", err)
	}
	return segments, metrics, nil
}

// persist writes the diarized version, the speaker mappings and attempts
// automatic promotion.
func (r *Runner) persist(ctx context.Context, meetingID string, segments []align.Segment, metrics align.Metrics) error {
	for _, label := range speakerLabels(segments) {
		if err := r.st.EnsureSpeakerMapping(ctx, meetingID, label); err != nil {
			return fmt.Errorf("postprocess: speaker mapping %q: %w", label, err)
		}
	}

	versionNum, err := r.st.AppendVersion(ctx, meetingID, store.SourceDiarized, segments, store.VersionMeta{
		AlignmentConfig:   r.engCfg,
		ConfidenceMetrics: &metrics,
		IdempotencyKey:    contentKey(meetingID, segments),
	})
	if err != nil {
		return fmt.Errorf("postprocess: append version: %w", err)
	}

	err = r.st.PromoteIfEligible(ctx, meetingID, versionNum, metrics, store.WordCount(segments), r.promoteAvgConf)
	switch {
	case errors.Is(err, store.ErrPromotionBlocked):
		r.log.Info("diarized version kept non-authoritative",
			"meeting_id", meetingID,
			"version", versionNum,
			"reason", err,
		)
	case err != nil:
		return fmt.Errorf("postprocess: promote version %d: %w", versionNum, err)
	default:
		r.log.Info("diarized version promoted", "meeting_id", meetingID, "version", versionNum)
	}
	return nil
}

func (r *Runner) setStatus(ctx context.Context, meetingID, status string) {
	if r.st == nil {
		return
	}
	if err := r.st.SetDiarizationStatus(ctx, meetingID, status); err != nil {
		r.log.Warn("set diarization status failed",
			"meeting_id", meetingID,
			"status", status,
			"err", err,
		)
	}
}

// failed formats a terminal status with its reason.
func failed(reason string) string {
	return "failed(" + reason + ")"
}

// classify maps a pipeline error to its failure reason.
func classify(err error) string {
	switch {
	case errors.Is(err, align.ErrInputsEmpty):
		return reasonEmptyInputs
	case containsStage(err, "diarization"):
		return reasonDiarization
	default:
		return reasonTranscription
	}
}

// containsStage reports whether the error chain was tagged with the given
// pipeline stage name.
func containsStage(err error, stage string) bool {
	return err != nil && strings.Contains(err.Error(), stage)
}

func errKind(err error) string {
	if asr.IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// speakerLabels returns the distinct non-empty speaker labels in first-seen
// order, skipping the unknown placeholder.
func speakerLabels(segments []align.Segment) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, seg := range segments {
		l := seg.SpeakerLabel
		if l == "" || l == align.UnknownSpeaker || seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}
	return labels
}

// contentKey derives a stable idempotency key from the aligned content so a
// rerun of the same audio maps onto the already-written version.
func contentKey(meetingID string, segments []align.Segment) string {
	h := xxhash.New()
	h.WriteString(meetingID)
	for _, seg := range segments {
		h.WriteString(seg.Text)
		h.WriteString(seg.SpeakerLabel)
		fmt.Fprintf(h, "%.3f", seg.StartSec)
	}
	return fmt.Sprintf("diarized-%016x", h.Sum64())
}
