// Package sarvam provides a speech-to-text provider backed by the Sarvam AI
// REST API (https://docs.sarvam.ai).
//
// Sarvam's speech-to-text endpoint accepts a WAV file upload and returns a
// single final transcript, which matches the batch Provider contract
// exactly: one finished utterance in, one transcript out. The saarika model
// family covers English and the major Indic languages.
//
// Example usage:
//
//	p, err := sarvam.New(os.Getenv("SARVAM_API_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := p.Transcribe(ctx, pcm, stt.Request{Language: "en-IN"})
package sarvam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/banter-dev/banter/pkg/audio"
	"github.com/banter-dev/banter/pkg/provider/stt"
)

const (
	// DefaultBaseURL is the production Sarvam API endpoint.
	DefaultBaseURL = "https://api.sarvam.ai"

	// DefaultModel is the recognition model used when none is configured.
	DefaultModel = "saarika:v2.5"

	// DefaultLanguage is the language hint used when the request carries none.
	DefaultLanguage = "en-IN"

	// defaultTimeout bounds a single HTTP attempt.
	defaultTimeout = 15 * time.Second

	// minPCMBytes is 100 ms of 16 kHz int16 mono. Shorter clips carry no
	// usable speech and are answered locally with an empty transcript.
	minPCMBytes = 3200

	// defaultRetryPause is the wait before the single silent retry.
	defaultRetryPause = 500 * time.Millisecond
)

// Ensure Provider implements the stt.Provider interface at compile time.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider against the Sarvam speech-to-text API.
//
// A transient failure (transport error or 5xx response) is retried exactly
// once after a short pause; 4xx responses and context cancellation are
// returned immediately. Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	retryPause time.Duration
}

// config holds optional configuration collected from functional options.
type config struct {
	baseURL    string
	model      string
	httpClient *http.Client
	timeout    time.Duration
	retryPause time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL. Useful for test servers and
// regional endpoints. A trailing slash is stripped automatically.
func WithBaseURL(u string) Option {
	return func(c *config) {
		c.baseURL = u
	}
}

// WithModel overrides the recognition model (e.g., "saarika:v2").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithHTTPClient supplies a custom HTTP client. When set, WithTimeout is
// ignored and the client's own timeout applies.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-attempt HTTP timeout. Zero or negative keeps the
// 15 s default.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithRetryPause sets the pause before the single silent retry. Zero or
// negative keeps the 500 ms default.
func WithRetryPause(d time.Duration) Option {
	return func(c *config) {
		c.retryPause = d
	}
}

// New constructs a Sarvam Provider. apiKey must not be empty; it is sent on
// every request in the api-subscription-key header.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("sarvam stt: api key must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	baseURL := cfg.baseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := cfg.model
	if model == "" {
		model = DefaultModel
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		timeout := cfg.timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retryPause := cfg.retryPause
	if retryPause <= 0 {
		retryPause = defaultRetryPause
	}

	return &Provider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		retryPause: retryPause,
	}, nil
}

// transcribeResponse is the JSON body returned by POST /speech-to-text.
type transcribeResponse struct {
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
}

// statusError is a non-2xx response from the API.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// Transcribe implements stt.Provider.
//
// Audio shorter than 100 ms returns an empty Result without touching the
// network. A transient failure is retried once after the configured pause;
// the second failure is returned as-is.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, req stt.Request) (stt.Result, error) {
	if len(pcm) < minPCMBytes {
		return stt.Result{}, nil
	}

	res, err := p.call(ctx, pcm, req)
	if err == nil {
		return res, nil
	}
	if !retryable(err) {
		return stt.Result{}, fmt.Errorf("sarvam stt: transcribe: %w", err)
	}

	select {
	case <-time.After(p.retryPause):
	case <-ctx.Done():
		return stt.Result{}, fmt.Errorf("sarvam stt: transcribe: %w", ctx.Err())
	}

	res, err = p.call(ctx, pcm, req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("sarvam stt: transcribe: %w", err)
	}
	return res, nil
}

// retryable reports whether err is worth one more attempt: transport-level
// failures and 5xx responses are; 4xx responses and cancellation are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

// call performs one POST /speech-to-text attempt.
func (p *Provider) call(ctx context.Context, pcm []byte, req stt.Request) (stt.Result, error) {
	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = audio.SampleRate
	}
	language := req.Language
	if language == "" {
		language = DefaultLanguage
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
	hdr.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return stt.Result{}, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(audio.WAV(pcm, sampleRate)); err != nil {
		return stt.Result{}, fmt.Errorf("write audio part: %w", err)
	}
	if err := mw.WriteField("model", p.model); err != nil {
		return stt.Result{}, fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("language_code", language); err != nil {
		return stt.Result{}, fmt.Errorf("write language field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("finish multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/speech-to-text", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("api-subscription-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return stt.Result{}, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Result{}, fmt.Errorf("decode response: %w", err)
	}
	return stt.Result{
		Text:     strings.TrimSpace(out.Transcript),
		Language: out.LanguageCode,
	}, nil
}
