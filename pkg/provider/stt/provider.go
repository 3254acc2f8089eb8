// Package stt defines the provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (the websocket transcription
// upstream, Deepgram, or a local server) and exposes a uniform
// utterance-oriented interface. The central abstraction is [Transcriber]:
// the audio pipeline buffers an utterance upstream chunk by chunk under a
// caller-chosen id, then either finalizes it into a transcript or cancels it
// when the captured audio turns out to be noise.
//
// Implementations must be safe for concurrent use. One Transcriber is opened
// per conversation participant.
package stt

import (
	"context"

	"github.com/parley-ai/parley/pkg/rpc"
)

// Transcriber accumulates utterance audio upstream and produces transcripts
// on demand. Utterances are identified by caller-chosen ids; audio delivered
// under an id is consumed by exactly one later Transcribe or
// CancelTranscription call for that id.
type Transcriber interface {
	// AudioData delivers a chunk of mono PCM samples for the utterance.
	AudioData(ctx context.Context, utteranceID string, samples []int16) error

	// CancelTranscription discards all audio buffered under the utterance id.
	CancelTranscription(ctx context.Context, utteranceID string) error

	// Transcribe finalizes the utterance and returns its transcript. The
	// sample rate describes the PCM previously delivered via AudioData.
	// Blocks until the backend answers or ctx expires.
	Transcribe(ctx context.Context, utteranceID string, sampleRate int) (string, error)

	// Close releases the underlying connection. Calling Close more than once
	// is safe.
	Close() error
}

// Provider mints per-participant transcription sessions.
//
// onStatus, when non-nil, receives connection lifecycle updates for the new
// session; implementations that multiplex sessions over a shared transport
// may emit only the initial transition.
type Provider interface {
	NewTranscriber(ctx context.Context, onStatus func(rpc.Status)) (Transcriber, error)
}
