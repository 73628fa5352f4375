// Package pyannote provides an [asr.Diarizing] adapter for a pyannote-style
// diarization HTTP service. The service accepts a WAV upload at POST /diarize
// and returns speaker-labelled time segments.
package pyannote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/lectern-ai/lectern/pkg/asr"
)

const defaultTimeout = 180 * time.Second

// Compile-time interface assertion.
var _ asr.Diarizing = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithSpeakerBounds constrains the expected speaker count. Zero means
// unconstrained.
func WithSpeakerBounds(minSpeakers, maxSpeakers int) Option {
	return func(p *Provider) {
		p.minSpeakers = minSpeakers
		p.maxSpeakers = maxSpeakers
	}
}

// Provider implements [asr.Diarizing] against a diarization HTTP service.
// Safe for concurrent use.
type Provider struct {
	serverURL   string
	minSpeakers int
	maxSpeakers int
	httpClient  *http.Client
}

// New creates a Provider for the diarization service at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("pyannote: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// diarizeResponse is the service's JSON response.
type diarizeResponse struct {
	Segments []struct {
		Speaker string  `json:"speaker"`
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
	} `json:"segments"`
}

// Diarize uploads the WAV file and returns speaker segments sorted by start
// time.
func (p *Provider) Diarize(ctx context.Context, wavPath string) ([]asr.SpeakerSegment, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("%w: pyannote: open %q: %v", asr.ErrPermanent, wavPath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("pyannote: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("pyannote: copy audio: %w", err)
	}
	if p.minSpeakers > 0 {
		_ = mw.WriteField("min_speakers", fmt.Sprintf("%d", p.minSpeakers))
	}
	if p.maxSpeakers > 0 {
		_ = mw.WriteField("max_speakers", fmt.Sprintf("%d", p.maxSpeakers))
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("pyannote: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/diarize", &body)
	if err != nil {
		return nil, fmt.Errorf("pyannote: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: pyannote: %v", asr.ErrTransient, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		kind := asr.ErrTransient
		if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 && httpResp.StatusCode != http.StatusTooManyRequests {
			kind = asr.ErrPermanent
		}
		return nil, fmt.Errorf("%w: pyannote: status %d: %s", kind, httpResp.StatusCode, payload)
	}

	var resp diarizeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: pyannote: decode response: %v", asr.ErrTransient, err)
	}

	segments := make([]asr.SpeakerSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, asr.SpeakerSegment{
			SpeakerLabel: s.Speaker,
			StartSec:     s.Start,
			EndSec:       s.End,
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].StartSec < segments[j].StartSec })
	return segments, nil
}
