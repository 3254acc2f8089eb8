package speech

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/track"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

// Sink receives synthesized transport-format samples tagged with the
// sentence they belong to.
type Sink interface {
	Enqueue(samples []int16, sentenceID uint64)
}

var _ Sink = (*track.Track)(nil)

// Config assembles a Producer.
type Config struct {
	// Tokens is the stream of LLM tokens to speak. Closing it ends the
	// producer after the trailing sentence is flushed.
	Tokens <-chan string

	// Synth renders sentences to PCM.
	Synth tts.Provider

	// Voice is the profile every sentence is spoken with.
	Voice tts.VoiceProfile

	// Broadcast announces a sentence on every peer's data channel. May be
	// nil.
	Broadcast func(method string, params any)

	// Sinks snapshots the live outbound tracks. It is consulted per PCM
	// chunk, so late joiners pick up a sentence mid-way. May be nil.
	Sinks func() []Sink
}

// sentenceParams is the ai_sentence announcement payload.
type sentenceParams struct {
	Sentence   string `json:"sentence"`
	SentenceID uint64 `json:"sentence_id"`
}

// Producer speaks the token stream. Run is the single consumer of the token
// channel and assigns each sentence its monotonically increasing id.
type Producer struct {
	cfg     Config
	metrics *observe.Metrics
	nextID  uint64
}

// NewProducer validates cfg and returns a stopped producer; call Run to
// start speaking.
func NewProducer(cfg Config) (*Producer, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("speech: token channel must not be nil")
	}
	if cfg.Synth == nil {
		return nil, errors.New("speech: synthesizer must not be nil")
	}
	return &Producer{cfg: cfg, metrics: observe.DefaultMetrics()}, nil
}

// Run consumes tokens until the channel closes or ctx is done. A synthesis
// failure drops the affected sentence and the loop keeps going.
func (p *Producer) Run(ctx context.Context) error {
	for sentence := range Stream(ctx, p.cfg.Tokens) {
		p.speak(ctx, sentence)
	}
	return nil
}

func (p *Producer) speak(ctx context.Context, sentence string) {
	id := p.nextID
	p.nextID++
	p.metrics.Sentences.Add(ctx, 1)

	if p.cfg.Broadcast != nil {
		p.cfg.Broadcast("ai_sentence", sentenceParams{Sentence: sentence, SentenceID: id})
	}

	start := time.Now()
	stream, err := p.cfg.Synth.SynthesizeStream(ctx, sentence, p.cfg.Voice)
	if err != nil {
		slog.Warn("speech: synthesis failed, dropping sentence", "sentence_id", id, "error", err)
		return
	}
	src := p.cfg.Synth.Format()
	for chunk := range stream {
		pcm := audio.Convert(chunk, src, audio.TransportFormat)
		if p.cfg.Sinks == nil {
			continue
		}
		for _, sink := range p.cfg.Sinks() {
			sink.Enqueue(pcm, id)
		}
	}
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
}
