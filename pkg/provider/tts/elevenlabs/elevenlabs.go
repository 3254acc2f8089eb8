// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs HTTP streaming API. It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

const (
	streamEndpointFmt = "https://api.elevenlabs.io/v1/text-to-speech/%s/stream?output_format=%s"
	voicesEndpoint    = "https://api.elevenlabs.io/v1/voices"
	defaultModel      = "eleven_multilingual_v2"
	defaultOutputFmt  = "pcm_22050"

	// readChunkSize is the HTTP body read granularity; PCM is forwarded as
	// soon as a full read completes.
	readChunkSize = 4096
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format (e.g., "pcm_22050", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	sampleRate   int
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty and the
// output format must be one of the PCM variants.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}

	rate, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// Compile-time check: Provider must implement tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// ---- request/response types ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// synthesizeRequest is the JSON body for the streaming synthesis endpoint.
type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// defaultVoiceSettings are tuned for conversational agent speech.
var defaultVoiceSettings = voiceSettings{
	Stability:       0.75,
	SimilarityBoost: 0.75,
	Style:           0.5,
	UseSpeakerBoost: true,
}

// SynthesizeStream synthesizes text via the HTTP streaming endpoint and
// returns a channel emitting PCM sample chunks in the provider's output
// format (mono).
//
// The channel closes when the body is drained, ctx is cancelled, or the
// stream fails mid-flight.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []int16, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: defaultVoiceSettings,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := buildStreamURL(voice.ID, p.outputFormat)
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
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: synthesize: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	audioCh := make(chan []int16, 64)
	go streamBody(ctx, resp.Body, audioCh)
	return audioCh, nil
}

// streamBody forwards the PCM body as int16 chunks, carrying a trailing odd
// byte between reads so samples never split across chunks.
func streamBody(ctx context.Context, body io.ReadCloser, audioCh chan<- []int16) {
	defer close(audioCh)
	defer body.Close()

	buf := make([]byte, readChunkSize)
	var carry []byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := buf[:n]
			if len(carry) > 0 {
				data = append(append([]byte{}, carry...), data...)
				carry = nil
			}
			usable := len(data) &^ 1
			if usable < len(data) {
				carry = []byte{data[usable]}
			}
			if usable > 0 {
				select {
				case audioCh <- audio.BytesToInt16(data[:usable]):
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("elevenlabs: stream read failed", "err", err)
			}
			return
		}
	}
}

// Format reports the sample format of streamed chunks. ElevenLabs PCM
// formats are mono.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	profiles, err := parseVoicesResponse(data)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return profiles, nil
}

// ---- helpers ----

// buildStreamURL constructs the streaming synthesis URL for a voice.
func buildStreamURL(voiceID, outputFormat string) string {
	return fmt.Sprintf(streamEndpointFmt, voiceID, outputFormat)
}

// parseOutputFormat extracts the sample rate from a pcm_NNNNN format name.
func parseOutputFormat(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (want pcm_<rate>)", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (want pcm_<rate>)", format)
	}
	return rate, nil
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}
