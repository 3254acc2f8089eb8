// Package pipeline segments a participant's inbound audio into utterances.
//
// A Segmenter runs the voice-activity state machine over the decoded mono
// PCM of one peer: a voiced chunk opens an utterance, every chunk of the
// utterance (speech and trailing silence alike) is forwarded to the
// transcription upstream under a fresh utterance id, and once enough silence
// has accumulated the utterance is either finalized into a transcript or
// cancelled when it was mostly silence. Finalization runs asynchronously so
// the audio path never blocks on the transcription round-trip.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/rpc"
)

const (
	// DefaultSilenceDuration is the silence span that closes an utterance.
	DefaultSilenceDuration = time.Second

	// DefaultMinSpeechRatio is the fraction of voiced chunks an utterance
	// must contain to be worth transcribing.
	DefaultMinSpeechRatio = 0.2

	// DefaultTranscribeTimeout bounds the finalization round-trip.
	DefaultTranscribeTimeout = 10 * time.Second
)

// DefaultRejectTranscripts are transcripts the ASR tends to produce for
// near-silence; they never reach OnSpeech.
var DefaultRejectTranscripts = []string{"", ".", "Thank you.", ".  .  .  ."}

// ErrClosed is returned by AddAudio after Close.
var ErrClosed = errors.New("pipeline: segmenter closed")

// Config assembles a Segmenter.
type Config struct {
	// Transcriber receives the utterance audio and resolves it. The
	// segmenter owns it and closes it on Close.
	Transcriber stt.Transcriber

	// Threshold is the initial voice-activity threshold (mean per-sample
	// energy fraction). Updated later via SetThreshold once the session
	// calibrates.
	Threshold float64

	// SilenceDuration is the silence span that closes an utterance.
	// Defaults to DefaultSilenceDuration.
	SilenceDuration time.Duration

	// MinSpeechRatio is the voiced-chunk fraction below which a closed
	// utterance is cancelled instead of transcribed. Defaults to
	// DefaultMinSpeechRatio.
	MinSpeechRatio float64

	// RejectTranscripts replaces DefaultRejectTranscripts when non-nil.
	// Matching is against the whitespace-trimmed transcript.
	RejectTranscripts []string

	// TranscribeTimeout bounds the finalization round-trip. Defaults to
	// DefaultTranscribeTimeout.
	TranscribeTimeout time.Duration

	// OnSpeaking observes speaking-state transitions. May be nil.
	OnSpeaking func(speaking bool)

	// OnSpeech receives each accepted transcript. Invoked from the
	// finalization goroutine. May be nil.
	OnSpeech func(text string)
}

// Segmenter drives the utterance state machine for one peer.
//
// AddAudio must be fed from a single goroutine (the peer's audio tap);
// SetThreshold and Close are safe to call concurrently with it.
type Segmenter struct {
	transcriber stt.Transcriber
	silence     time.Duration
	minRatio    float64
	reject      map[string]struct{}
	timeout     time.Duration
	onSpeaking  func(bool)
	onSpeech    func(string)
	metrics     *observe.Metrics

	mu        sync.Mutex
	threshold float64
	closed    bool

	// Utterance state, owned by the AddAudio goroutine.
	speaking       bool
	silenceSamples int
	utteranceID    string
	vadHistory     []bool
	tStart         time.Time

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and returns a Segmenter in the initial (not speaking)
// state.
func New(cfg Config) (*Segmenter, error) {
	if cfg.Transcriber == nil {
		return nil, errors.New("pipeline: transcriber must not be nil")
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = DefaultSilenceDuration
	}
	if cfg.MinSpeechRatio <= 0 {
		cfg.MinSpeechRatio = DefaultMinSpeechRatio
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = DefaultTranscribeTimeout
	}
	rejects := cfg.RejectTranscripts
	if rejects == nil {
		rejects = DefaultRejectTranscripts
	}
	reject := make(map[string]struct{}, len(rejects))
	for _, text := range rejects {
		reject[text] = struct{}{}
	}
	return &Segmenter{
		transcriber: cfg.Transcriber,
		silence:     cfg.SilenceDuration,
		minRatio:    cfg.MinSpeechRatio,
		reject:      reject,
		timeout:     cfg.TranscribeTimeout,
		onSpeaking:  cfg.OnSpeaking,
		onSpeech:    cfg.OnSpeech,
		metrics:     observe.DefaultMetrics(),
		threshold:   cfg.Threshold,
	}, nil
}

// SetThreshold replaces the voice-activity threshold, typically once after
// ambient calibration.
func (s *Segmenter) SetThreshold(threshold float64) {
	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
}

// AddAudio advances the state machine by one chunk of mono PCM.
func (s *Segmenter) AddAudio(ctx context.Context, chunk []int16, sampleRate int) error {
	s.mu.Lock()
	threshold := s.threshold
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	voiced := audio.Voiced(chunk, threshold)

	var err error
	switch {
	case voiced:
		if !s.speaking {
			s.speaking = true
			s.utteranceID = uuid.NewString()
			s.tStart = time.Now()
			s.emitSpeaking(true)
		}
		s.silenceSamples = 0
		err = s.transcriber.AudioData(ctx, s.utteranceID, chunk)

	case s.speaking:
		// Trailing silence still belongs to the utterance.
		err = s.transcriber.AudioData(ctx, s.utteranceID, chunk)
		s.silenceSamples += len(chunk)
		if limit := int(s.silence.Milliseconds()) * sampleRate / 1000; s.silenceSamples >= limit {
			s.endUtterance(ctx, sampleRate)
		}
	}

	// The closing chunk resets speaking above and is deliberately not
	// recorded; the history covers the utterance up to that point.
	if s.speaking {
		s.vadHistory = append(s.vadHistory, voiced)
	}

	if err != nil {
		return fmt.Errorf("pipeline: forward audio: %w", err)
	}
	return nil
}

// endUtterance decides the fate of the open utterance and resets to the
// initial state.
func (s *Segmenter) endUtterance(ctx context.Context, sampleRate int) {
	id := s.utteranceID
	if ratio := speechRatio(s.vadHistory); ratio > s.minRatio {
		slog.Debug("pipeline: finalizing utterance",
			"utterance_id", id, "speech_ratio", ratio, "duration", time.Since(s.tStart))
		go s.finalize(id, sampleRate)
	} else {
		slog.Debug("pipeline: utterance was mostly silence, cancelling",
			"utterance_id", id, "speech_ratio", ratio)
		if err := s.transcriber.CancelTranscription(ctx, id); err != nil {
			slog.Warn("pipeline: cancel transcription", "utterance_id", id, "error", err)
		}
		s.metrics.RecordUtterance(ctx, "cancelled")
	}

	s.speaking = false
	s.silenceSamples = 0
	s.utteranceID = ""
	s.vadHistory = nil
	s.tStart = time.Time{}
	s.emitSpeaking(false)
}

// finalize resolves one utterance into a transcript and emits it unless it
// is a trivial rejection. Runs on its own goroutine; errors are logged, never
// propagated to the audio path.
func (s *Segmenter) finalize(id string, sampleRate int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.transcriber.Transcribe(ctx, id, sampleRate)
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) {
			s.metrics.RecordRPCTimeout(ctx, "transcribe")
		}
		s.metrics.RecordUtterance(ctx, "failed")
		slog.Warn("pipeline: transcribe failed", "utterance_id", id, "error", err)
		return
	}
	s.metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())

	if _, rejected := s.reject[strings.TrimSpace(text)]; rejected {
		s.metrics.RecordUtterance(ctx, "rejected")
		slog.Debug("pipeline: transcript rejected", "utterance_id", id, "text", text)
		return
	}
	s.metrics.RecordUtterance(ctx, "transcribed")

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.onSpeech == nil {
		return
	}
	s.onSpeech(text)
}

// Close stops the segmenter and releases the transcription connection. An
// in-flight finalization may still fail afterwards; its error is logged only.
func (s *Segmenter) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.transcriber.Close()
	})
	return s.closeErr
}

func (s *Segmenter) emitSpeaking(speaking bool) {
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}

// speechRatio is the voiced fraction of the utterance's chunk history.
func speechRatio(history []bool) float64 {
	if len(history) == 0 {
		return 0
	}
	voiced := 0
	for _, v := range history {
		if v {
			voiced++
		}
	}
	return float64(voiced) / float64(len(history))
}
