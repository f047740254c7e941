// Package deepgram provides a Deepgram-backed transcriber using the
// pre-recorded audio API. Utterances are short, so the batch endpoint is both
// simpler and cheaper than a streaming session held open across silences.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/provider/stt"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"
)

// Compile-time assertion that Provider implements stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en",
// "de-DE"). Defaults to "en".
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithKeyterms supplies vocabulary the recognizer should favour, such as the
// business name an agent introduces itself with.
func WithKeyterms(terms []string) Option {
	return func(p *Provider) { p.keyterms = terms }
}

// WithEndpoint overrides the API endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithHTTPClient replaces the HTTP client. The default has a 30 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements [stt.Transcriber] against the Deepgram pre-recorded
// API. Safe for concurrent use.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	keyterms   []string
	httpClient *http.Client
}

// New creates a Deepgram provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads the utterance as WAV and returns the first channel's
// best alternative.
func (p *Provider) Transcribe(ctx context.Context, samples []int16, rate int) (string, error) {
	if stt.TooShort(samples, rate) {
		return "", nil
	}
	wav := audio.EncodeWAV(stt.ToModelRate(samples, rate), stt.ModelRate)

	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("smart_format", "true")
	for _, term := range p.keyterms {
		q.Add("keyterm", term)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"?"+q.Encode(), bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("deepgram: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("deepgram: parse response: %w", err)
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(result.Results.Channels[0].Alternatives[0].Transcript), nil
}

// Close is a no-op; the provider holds no connection state.
func (p *Provider) Close() error { return nil }
