package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"rpc", "deepgram"},
	"tts": {"elevenlabs", "coqui"},
}

// validSampleRates are the PCM sample rates the audio converters handle.
var validSampleRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

// validFrameDurations are the Opus-compatible frame lengths in milliseconds.
var validFrameDurations = []int{10, 20, 40, 60}

// envOverrides maps environment variables to the config fields they replace.
// Applied by [Load] after the file is decoded, so the environment wins.
var envOverrides = map[string]func(*Config, string){
	"SIGNALING_SERVER_URL":       func(c *Config, v string) { c.Upstreams.SignalingURL = v },
	"TOKEN_STREAMING_SERVER_URL": func(c *Config, v string) { c.Upstreams.TokenStreamURL = v },
	"TRANSCRIPTION_SERVER_URL":   func(c *Config, v string) { c.Upstreams.TranscriptionURL = v },
	"ELEVENLABS_API_KEY":         func(c *Config, v string) { c.Providers.TTS.APIKey = v },
}

// Load builds a validated [Config] from the YAML file at path, the [Default]
// baseline, and the environment. A missing file is not an error: deployments
// that pass everything through the environment run without one.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("config: no file found, starting from defaults and environment", "path", path)
	case err != nil:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	default:
		defer f.Close()
		if err := decodeInto(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the [Default] baseline and
// validates the result. Environment overrides are not applied; useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeInto merges the YAML document from r into cfg. Fields absent from
// the document keep their current values; unknown fields are an error. An
// empty document is a no-op.
func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overwrites cfg fields from the environment variables in
// [envOverrides]. Empty or unset variables leave the field alone.
func applyEnv(cfg *Config) {
	for name, set := range envOverrides {
		if v := os.Getenv(name); v != "" {
			set(cfg, v)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Upstreams — websocket URLs only, when set.
	errs = appendURLError(errs, "upstreams.signaling_url", cfg.Upstreams.SignalingURL)
	errs = appendURLError(errs, "upstreams.token_stream_url", cfg.Upstreams.TokenStreamURL)
	errs = appendURLError(errs, "upstreams.transcription_url", cfg.Upstreams.TranscriptionURL)

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Provider availability warnings.
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; the agent will join rooms but cannot speak")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; participant speech will not be transcribed")
	}
	if cfg.Providers.STT.Name == "rpc" && cfg.Providers.STT.BaseURL == "" && cfg.Upstreams.TranscriptionURL == "" {
		slog.Warn("providers.stt is \"rpc\" but upstreams.transcription_url is not set; transcriber creation will fail")
	}

	// Audio
	if !slices.Contains(validSampleRates, cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: %v", cfg.Audio.SampleRate, validSampleRates))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if !slices.Contains(validFrameDurations, cfg.Audio.FrameDurationMS) {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; valid values: %v", cfg.Audio.FrameDurationMS, validFrameDurations))
	}

	// VAD
	if cfg.VAD.InitialThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad.initial_threshold %g must not be negative", cfg.VAD.InitialThreshold))
	}
	if cfg.VAD.CalibrationFactor <= 0 {
		errs = append(errs, fmt.Errorf("vad.calibration_factor %g must be greater than zero", cfg.VAD.CalibrationFactor))
	}
	if cfg.VAD.CalibrationWindow <= 0 {
		errs = append(errs, fmt.Errorf("vad.calibration_window %d must be greater than zero", cfg.VAD.CalibrationWindow))
	}
	if cfg.VAD.SilenceDurationMS <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_duration_ms %d must be greater than zero", cfg.VAD.SilenceDurationMS))
	}
	if cfg.VAD.MinSpeechRatio < 0 || cfg.VAD.MinSpeechRatio > 1 {
		errs = append(errs, fmt.Errorf("vad.min_speech_ratio %g is out of range [0, 1]", cfg.VAD.MinSpeechRatio))
	}

	return errors.Join(errs...)
}

// appendURLError validates that value, when set, is a parseable ws:// or
// wss:// URL, appending a descriptive error otherwise.
func appendURLError(errs []error, field, value string) []error {
	if value == "" {
		return errs
	}
	u, err := url.Parse(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s %q is not a valid URL: %w", field, value, err))
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return append(errs, fmt.Errorf("%s %q must use the ws or wss scheme", field, value))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
