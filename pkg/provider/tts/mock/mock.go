// Package mock provides a test double for the tts.Provider interface.
//
// Pre-populate Chunks with the PCM the consumer should receive per
// synthesized sentence and inspect SynthesizeCalls to verify which text was
// spoken with which voice.
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.SynthesizeStream.
type SynthesizeCall struct {
	// Text is the sentence passed to SynthesizeStream.
	Text string
	// Voice is the voice profile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are the PCM chunks emitted for every synthesized sentence.
	Chunks [][]int16

	// ChunkFormat is returned by Format. The zero value defaults to
	// 22050 Hz mono.
	ChunkFormat audio.Format

	// SynthesizeErr, if non-nil, is returned by every SynthesizeStream call.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every call to SynthesizeStream in order.
	SynthesizeCalls []SynthesizeCall
}

// SynthesizeStream records the call and streams the configured chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []int16, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	chunks := p.Chunks
	err := p.SynthesizeErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan []int16, len(chunks)+1)
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			cp := make([]int16, len(chunk))
			copy(cp, chunk)
			select {
			case ch <- cp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Format returns ChunkFormat, defaulting to 22050 Hz mono.
func (p *Provider) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ChunkFormat == (audio.Format{}) {
		return audio.Format{SampleRate: 22050, Channels: 1}
	}
	return p.ChunkFormat
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.Voices, nil
}

// SynthesizeCallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
