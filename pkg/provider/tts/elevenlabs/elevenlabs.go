// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// HTTP streaming synthesis endpoint. It implements the tts.Provider
// interface.
//
// Each SynthesizeStream call posts one piece of text to
// /v1/text-to-speech/{voice}/stream and relays the chunked MP3 response as
// it arrives, so playback can begin before synthesis finishes.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banter-dev/banter/pkg/provider/tts"
)

const (
	// DefaultBaseURL is the production ElevenLabs API endpoint.
	DefaultBaseURL = "https://api.elevenlabs.io"

	// DefaultModel is the synthesis model used when none is configured.
	DefaultModel = "eleven_turbo_v2_5"

	// DefaultVoiceID is the voice used when a request does not name one.
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	// chunkSize is the read granularity for the streamed response body.
	chunkSize = 4096
)

// Ensure Provider implements the tts.Provider interface at compile time.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
//
// Requests carry no client-side timeout of their own; callers bound each
// synthesis with the context they pass in. Provider is safe for concurrent
// use.
type Provider struct {
	baseURL    string
	apiKey     string
	model      string
	voiceID    string
	httpClient *http.Client
}

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Useful for test servers. A
// trailing slash is stripped automatically.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithModel sets the ElevenLabs model ID (e.g., "eleven_turbo_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithDefaultVoice sets the voice used when a request passes an empty
// voice ID.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voiceID = voiceID
	}
}

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		voiceID:    DefaultVoiceID,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// synthesizeRequest is the JSON body for POST /v1/text-to-speech/{voice}/stream.
type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// SynthesizeStream implements tts.Provider.
//
// The returned channel emits MP3 chunks as the vendor produces them and is
// closed when the response body ends or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text, voiceID string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	if voiceID == "" {
		voiceID = p.voiceID
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: p.model,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Style:           0.0,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", p.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: synthesize: unexpected status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		defer resp.Body.Close()

		buf := make([]byte, chunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				// io.EOF ends the stream; anything else closes it early.
				return
			}
		}
	}()

	return audioCh, nil
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []voiceEntry `json:"voices"`
}

// voiceEntry is a single voice record from the ElevenLabs API.
type voiceEntry struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Voices implements tts.Provider by listing the voices available for the
// configured API key.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, tts.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Category: v.Category,
		})
	}
	return voices, nil
}
