// Package openai provides an [asr.Accurate] recogniser backed by the OpenAI
// audio transcription API. It requests verbose JSON so that segment-level
// timestamps are available for speaker alignment.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lectern-ai/lectern/pkg/asr"
)

// DefaultModel is the default transcription model.
const DefaultModel = oai.AudioModelWhisper1

const defaultTimeout = 180 * time.Second

// Ensure Provider implements the asr.Accurate interface.
var _ asr.Accurate = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout. Defaults to 180s — file
// transcription of a full meeting is slow.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements [asr.Accurate] using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai: apiKey must not be empty", asr.ErrPermanent)
	}
	cfg := config{model: DefaultModel, timeout: defaultTimeout}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// verboseTranscription is the verbose_json response shape; the SDK's typed
// response omits segment detail, so the body is decoded into this instead.
type verboseTranscription struct {
	Text     string `json:"text"`
	Segments []struct {
		Text       string  `json:"text"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		AvgLogProb float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// TranscribeFile uploads the WAV file and returns timed text segments.
func (p *Provider) TranscribeFile(ctx context.Context, wavPath string) ([]asr.TextSegment, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("%w: openai: open %q: %v", asr.ErrPermanent, wavPath, err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:           f,
		Model:          p.model,
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
	}

	var verbose verboseTranscription
	_, err = p.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&verbose))
	if err != nil {
		return nil, classify(err)
	}

	segments := make([]asr.TextSegment, 0, len(verbose.Segments))
	for _, s := range verbose.Segments {
		segments = append(segments, asr.TextSegment{
			Text:       s.Text,
			StartSec:   s.Start,
			EndSec:     s.End,
			Confidence: clamp01(1 + s.AvgLogProb),
		})
	}
	return segments, nil
}

// classify maps SDK errors onto the asr retry taxonomy. Authentication and
// malformed-request failures are permanent; everything else is retried.
func classify(err error) error {
	var apiErr *oai.Error
	if ok := asAPIError(err, &apiErr); ok {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
			return fmt.Errorf("%w: openai: %v", asr.ErrPermanent, err)
		}
	}
	return fmt.Errorf("%w: openai: %v", asr.ErrTransient, err)
}

func asAPIError(err error, target **oai.Error) bool {
	for e := err; e != nil; {
		if apiErr, ok := e.(*oai.Error); ok {
			*target = apiErr
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
