// Package whisperhttp provides whisper-server-backed recognisers. It talks to
// a running whisper.cpp server binary (REST API at POST /inference) and
// implements both the fast [asr.Streaming] role, by submitting rolling-buffer
// snapshots as WAV uploads, and the [asr.Accurate] role, by uploading a
// complete file and requesting segment-level timestamps.
//
// Usage:
//
//	p, err := whisperhttp.New("http://localhost:8080",
//	    whisperhttp.WithLanguage("en"),
//	)
//	res, err := p.Transcribe(ctx, pcmBytes, "previous text tail")
package whisperhttp

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
	"time"

	"github.com/lectern-ai/lectern/pkg/asr"
	"github.com/lectern-ai/lectern/pkg/pcm"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time interface assertions.
var (
	_ asr.Streaming = (*Provider)(nil)
	_ asr.Accurate  = (*Provider)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code sent to the server (e.g., "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithModel sets the model identifier forwarded to the server. When empty the
// server uses whichever model it was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements [asr.Streaming] and [asr.Accurate] against a whisper
// HTTP server. Safe for concurrent use; each call is an independent request.
type Provider struct {
	serverURL  string
	language   string
	model      string
	httpClient *http.Client
}

// New creates a Provider for the whisper server at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisperhttp: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse is the subset of the whisper-server JSON response we use.
type inferenceResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"t0"`
		End   float64 `json:"t1"`
		// avg_logprob is mapped onto [0,1] as a crude confidence.
		AvgLogProb float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe submits a rolling-buffer snapshot for fast transcription.
// The snapshot is wrapped in a WAV container because whisper-server rejects
// raw PCM uploads. contextHint is forwarded as the decoding prompt.
func (p *Provider) Transcribe(ctx context.Context, pcm16kMono []byte, contextHint string) (asr.StreamResult, error) {
	samples := pcm.BytesToInt16(pcm16kMono)
	var wav bytes.Buffer
	if err := pcm.EncodeWAV(&wav, samples, pcm.SampleRate); err != nil {
		return asr.StreamResult{}, fmt.Errorf("%w: encode wav: %v", asr.ErrPermanent, err)
	}

	fields := map[string]string{"response_format": "json"}
	if contextHint != "" {
		fields["prompt"] = contextHint
	}
	resp, err := p.infer(ctx, &wav, fields)
	if err != nil {
		return asr.StreamResult{}, err
	}

	var conf float64
	if n := len(resp.Segments); n > 0 {
		for _, s := range resp.Segments {
			conf += logProbToConfidence(s.AvgLogProb)
		}
		conf /= float64(n)
	}
	return asr.StreamResult{Text: resp.Text, Confidence: conf}, nil
}

// TranscribeFile uploads a complete WAV file and returns timed segments.
func (p *Provider) TranscribeFile(ctx context.Context, wavPath string) ([]asr.TextSegment, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", asr.ErrPermanent, wavPath, err)
	}
	defer f.Close()

	resp, err := p.infer(ctx, f, map[string]string{"response_format": "verbose_json"})
	if err != nil {
		return nil, err
	}

	segments := make([]asr.TextSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, asr.TextSegment{
			Text:       s.Text,
			StartSec:   s.Start,
			EndSec:     s.End,
			Confidence: logProbToConfidence(s.AvgLogProb),
		})
	}
	return segments, nil
}

// infer performs one multipart POST /inference round trip.
func (p *Provider) infer(ctx context.Context, audio io.Reader, fields map[string]string) (*inferenceResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisperhttp: create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return nil, fmt.Errorf("whisperhttp: copy audio: %w", err)
	}
	if p.language != "" {
		fields["language"] = p.language
	}
	if p.model != "" {
		fields["model"] = p.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisperhttp: write field %q: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisperhttp: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisperhttp: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", asr.ErrTransient, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		kind := asr.ErrTransient
		if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 && httpResp.StatusCode != http.StatusTooManyRequests {
			kind = asr.ErrPermanent
		}
		return nil, fmt.Errorf("%w: server status %d: %s", kind, httpResp.StatusCode, payload)
	}

	var resp inferenceResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", asr.ErrTransient, err)
	}
	return &resp, nil
}

// logProbToConfidence maps whisper's average log probability (typically in
// [-1, 0] for usable output) onto [0, 1].
func logProbToConfidence(avgLogProb float64) float64 {
	c := 1 + avgLogProb
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
