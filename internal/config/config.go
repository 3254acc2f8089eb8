// Package config provides the configuration schema, loader, and provider
// registry for the Parley voice agent server.
package config

import "time"

// LogLevel controls log verbosity for the Parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// [Default] provides the baseline the file is merged over.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstreams UpstreamsConfig `yaml:"upstreams"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Session   SessionConfig   `yaml:"session"`
	ICE       ICEConfig       `yaml:"ice"`
}

// ServerConfig holds network and logging settings for the admission server.
type ServerConfig struct {
	// ListenAddr is the TCP address the admission HTTP server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamsConfig holds the websocket addresses of the external services a
// session connects to. Each URL must use the ws or wss scheme when set.
type UpstreamsConfig struct {
	// SignalingURL is the room signaling server
	// (env override SIGNALING_SERVER_URL).
	SignalingURL string `yaml:"signaling_url"`

	// TokenStreamURL is the upstream language-model token stream
	// (env override TOKEN_STREAMING_SERVER_URL).
	TokenStreamURL string `yaml:"token_stream_url"`

	// TranscriptionURL is the transcription service used by the "rpc" STT
	// provider (env override TRANSCRIPTION_SERVER_URL).
	TranscriptionURL string `yaml:"transcription_url"`

	// SignalingToken, when set, is forwarded opaquely with every room join.
	// When empty the session's own access token is used instead.
	SignalingToken string `yaml:"signaling_token"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "elevenlabs", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "eleven_multilingual_v2", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AudioConfig states the media format the deployment expects on the WebRTC
// transport. The pipeline currently runs 48 kHz stereo in 20 ms frames; a
// mismatching value is rejected at startup rather than silently resampled.
type AudioConfig struct {
	// SampleRate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the interleaved channel count.
	Channels int `yaml:"channels"`

	// FrameDurationMS is the outbound frame length in milliseconds.
	FrameDurationMS int `yaml:"frame_duration_ms"`
}

// VADConfig tunes speech detection and utterance segmentation. The zero
// values of individual fields are invalid; start from [Default].
type VADConfig struct {
	// InitialThreshold is the energy threshold used before ambient
	// calibration completes.
	InitialThreshold float64 `yaml:"initial_threshold"`

	// CalibrationFactor scales the measured ambient energy into the
	// post-calibration threshold.
	CalibrationFactor float64 `yaml:"calibration_factor"`

	// CalibrationWindow is the number of audio chunks averaged for one
	// ambient measurement.
	CalibrationWindow int `yaml:"calibration_window"`

	// SilenceDurationMS is how long a speaker must stay quiet before their
	// utterance is finalized.
	SilenceDurationMS int `yaml:"silence_duration_ms"`

	// MinSpeechRatio is the minimum fraction of voiced chunks an utterance
	// needs to be sent for transcription.
	MinSpeechRatio float64 `yaml:"min_speech_ratio"`

	// RejectTranscripts lists transcripts discarded as recognizer noise.
	RejectTranscripts []string `yaml:"reject_transcripts"`
}

// SilenceDuration returns SilenceDurationMS as a [time.Duration].
func (v VADConfig) SilenceDuration() time.Duration {
	return time.Duration(v.SilenceDurationMS) * time.Millisecond
}

// SessionConfig holds per-conversation policy defaults. Values are captured
// when a session is created; live sessions keep the values they started with.
type SessionConfig struct {
	// AllowsInterruptions controls whether participant speech is processed
	// while the agent is speaking.
	AllowsInterruptions bool `yaml:"allows_interruptions"`

	// SelfDescription is the role announced to the room on join.
	SelfDescription string `yaml:"self_description"`

	// VoiceID is the TTS voice used when the upstream agent carries none.
	VoiceID string `yaml:"voice_id"`
}

// ICEConfig lists STUN/TURN servers handed to every peer connection.
type ICEConfig struct {
	Servers []string `yaml:"servers"`
}

// Default returns the baseline configuration. [Load] merges the YAML file
// over it, so a missing file or a sparse one still yields a runnable config
// once the upstream URLs arrive via file or environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Providers: ProvidersConfig{
			STT: ProviderEntry{Name: "rpc"},
			TTS: ProviderEntry{Name: "elevenlabs"},
		},
		Audio: AudioConfig{
			SampleRate:      48000,
			Channels:        2,
			FrameDurationMS: 20,
		},
		VAD: VADConfig{
			InitialThreshold:  0.001,
			CalibrationFactor: 0.4,
			CalibrationWindow: 250,
			SilenceDurationMS: 1000,
			MinSpeechRatio:    0.2,
			RejectTranscripts: []string{"", ".", "Thank you.", ".  .  .  ."},
		},
		Session: SessionConfig{
			AllowsInterruptions: false,
			SelfDescription:     "Agent",
			VoiceID:             "21m00Tcm4TlvDq8ikWAM",
		},
		ICE: ICEConfig{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}
