// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller opens transcription sessions, and
// Transcriber to inspect which audio chunks were buffered and which
// utterances were finalized or cancelled.
//
// Example:
//
//	tr := &mock.Transcriber{TranscribeText: "How are you?"}
//	p := &mock.Provider{Transcriber: tr}
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/rpc"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcriber is returned by NewTranscriber. If nil, a fresh default
	// Transcriber is returned.
	Transcriber stt.Transcriber

	// NewTranscriberErr, if non-nil, is returned as the error from NewTranscriber.
	NewTranscriberErr error

	// StatusFuncs records the status callback passed to each NewTranscriber call.
	StatusFuncs []func(rpc.Status)
}

// NewTranscriber records the call and returns Transcriber, NewTranscriberErr.
func (p *Provider) NewTranscriber(_ context.Context, onStatus func(rpc.Status)) (stt.Transcriber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StatusFuncs = append(p.StatusFuncs, onStatus)
	if p.NewTranscriberErr != nil {
		return nil, p.NewTranscriberErr
	}
	if p.Transcriber != nil {
		return p.Transcriber, nil
	}
	return &Transcriber{}, nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// AudioDataCall records a single invocation of Transcriber.AudioData.
type AudioDataCall struct {
	// UtteranceID is the id the chunk was buffered under.
	UtteranceID string
	// Samples is a copy of the PCM passed to AudioData.
	Samples []int16
}

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	UtteranceID string
	SampleRate  int
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// AudioDataErr, if non-nil, is returned by every AudioData call.
	AudioDataErr error

	// TranscribeText is returned by Transcribe when TranscribeErr is nil.
	TranscribeText string

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeDelay, if non-nil, runs inside Transcribe before the result
	// is returned; returning an error aborts the call with that error. Use
	// it to simulate slow backends.
	TranscribeDelay func(ctx context.Context) error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// AudioDataCalls records every call to AudioData in order.
	AudioDataCalls []AudioDataCall

	// CancelCalls records the utterance id of every CancelTranscription call.
	CancelCalls []string

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// AudioData records the call and returns AudioDataErr.
func (t *Transcriber) AudioData(_ context.Context, utteranceID string, samples []int16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]int16, len(samples))
	copy(cp, samples)
	t.AudioDataCalls = append(t.AudioDataCalls, AudioDataCall{UtteranceID: utteranceID, Samples: cp})
	return t.AudioDataErr
}

// CancelTranscription records the call.
func (t *Transcriber) CancelTranscription(_ context.Context, utteranceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CancelCalls = append(t.CancelCalls, utteranceID)
	return nil
}

// Transcribe records the call and returns TranscribeText, TranscribeErr.
func (t *Transcriber) Transcribe(ctx context.Context, utteranceID string, sampleRate int) (string, error) {
	t.mu.Lock()
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{UtteranceID: utteranceID, SampleRate: sampleRate})
	delay := t.TranscribeDelay
	text, err := t.TranscribeText, t.TranscribeErr
	t.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return "", derr
		}
	}
	return text, err
}

// Close records the call and returns CloseErr.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCallCount++
	return t.CloseErr
}

// AudioDataCallCount returns the number of AudioData calls. Thread-safe.
func (t *Transcriber) AudioDataCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.AudioDataCalls)
}

// CancelCallCount returns the number of CancelTranscription calls. Thread-safe.
func (t *Transcriber) CancelCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.CancelCalls)
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) TranscribeCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranscribeCalls)
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
