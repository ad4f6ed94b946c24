// Package shazam provides an HTTP-backed song recogniser.
//
// It talks to a recognition sidecar that owns the Shazam signature algorithm
// and the vendor protocol. Each batch is uploaded as a 16-bit mono WAV file to
// POST {baseURL}/recognize; the sidecar answers with the vendor's track JSON:
//
//	{"track": {"title": "...", "subtitle": "...", "sections": [...], ...}}
//
// An empty object, a null track or 204 No Content all mean "no match".
//
// Usage:
//
//	p, err := shazam.New("http://localhost:9090",
//	    shazam.WithAPIKey(key),
//	    shazam.WithTimeout(8*time.Second),
//	)
//	track, err := p.Recognize(ctx, recognize.Request{Samples: pcm, SampleRate: 16000})
package shazam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/recognize"
)

const (
	// defaultSampleRate is the rate the signature algorithm expects.
	defaultSampleRate = 16000

	// defaultTimeout bounds a single identification. Batches are cut every 10s,
	// so a slower answer would already overlap the next window.
	defaultTimeout = 8 * time.Second

	// maxErrorBody caps how much of an error response is quoted in errors.
	maxErrorBody = 512
)

// Compile-time assertion that Provider implements recognize.Recognizer.
var _ recognize.Recognizer = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIKey sets the key sent in the X-Api-Key header.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithSampleRate sets the sample rate the sidecar expects. Requests recorded at
// another rate are resampled before upload. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithTimeout sets the per-request timeout. Defaults to 8s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client (useful for tests and proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements recognize.Recognizer against a recognition sidecar.
// It holds no per-request state and is safe for concurrent use.
type Provider struct {
	baseURL    string
	apiKey     string
	sampleRate int
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a Provider for the sidecar at baseURL (e.g. "http://localhost:9090").
// baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("shazam: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sampleRate: defaultSampleRate,
		timeout:    defaultTimeout,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// response is the JSON envelope returned by the sidecar.
type response struct {
	Track *recognize.Track `json:"track"`
}

// Recognize uploads req as WAV and decodes the sidecar's answer.
func (p *Provider) Recognize(ctx context.Context, req recognize.Request) (*recognize.Track, error) {
	samples := req.Samples
	if req.SampleRate > 0 && req.SampleRate != p.sampleRate {
		samples = audio.ResampleInt16(samples, req.SampleRate, p.sampleRate)
	}
	wav := audio.WAV(audio.Int16ToPCM(samples), audio.Format{SampleRate: p.sampleRate, Channels: 1})

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/recognize", bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("shazam: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "audio/wav")
	httpReq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("X-Api-Key", p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("shazam: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("shazam: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("shazam: decode response: %w", err)
	}
	return out.Track, nil
}
