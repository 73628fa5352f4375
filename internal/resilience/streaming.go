package resilience

import (
	"context"

	"github.com/lectern-ai/lectern/pkg/asr"
)

// Compile-time interface check.
var _ asr.Streaming = (*GuardedStreaming)(nil)

// GuardedStreaming wraps an [asr.Streaming] recogniser with a circuit
// breaker so that a persistently failing recogniser is bypassed quickly
// instead of costing every session its full retry schedule. Breaker
// rejections surface as transient errors, keeping the session's buffer
// intact for a later attempt.
type GuardedStreaming struct {
	inner   asr.Streaming
	breaker *CircuitBreaker
}

// NewGuardedStreaming wraps inner with a breaker using cfg.
func NewGuardedStreaming(inner asr.Streaming, cfg CircuitBreakerConfig) *GuardedStreaming {
	if cfg.Name == "" {
		cfg.Name = "streaming-asr"
	}
	return &GuardedStreaming{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Transcribe forwards to the wrapped recogniser through the breaker.
func (g *GuardedStreaming) Transcribe(ctx context.Context, pcm16kMono []byte, contextHint string) (asr.StreamResult, error) {
	var res asr.StreamResult
	var callErr error
	err := g.breaker.Execute(func() error {
		res, callErr = g.inner.Transcribe(ctx, pcm16kMono, contextHint)
		if callErr != nil && !asr.IsTransient(callErr) {
			// Permanent failures say nothing about recogniser availability;
			// don't let them trip the breaker.
			return nil
		}
		return callErr
	})
	if err != nil {
		return asr.StreamResult{}, err
	}
	if callErr != nil {
		return asr.StreamResult{}, callErr
	}
	return res, nil
}

// State exposes the breaker state for health reporting.
func (g *GuardedStreaming) State() State {
	return g.breaker.State()
}
