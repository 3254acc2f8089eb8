// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. The primary entry point is
// SynthesizeStream, which synthesizes one sentence and returns a channel of
// PCM sample chunks as they become available — enabling low-latency
// pipelining between the upstream token stream and the outbound audio
// tracks. Chunks are emitted in the provider's native format reported by
// Format; callers convert to their transport format.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/parley-ai/parley/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream synthesizes text with the given voice and returns a
	// channel emitting PCM sample chunks as they are produced.
	//
	// The returned channel is closed by the implementation when synthesis is
	// complete, ctx is cancelled, or the stream fails mid-flight. The caller
	// must drain the channel to avoid blocking the provider's internal
	// goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started (e.g. the
	// voice is unknown or the request is rejected).
	SynthesizeStream(ctx context.Context, text string, voice VoiceProfile) (<-chan []int16, error)

	// Format reports the sample format of streamed chunks.
	Format() audio.Format

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
