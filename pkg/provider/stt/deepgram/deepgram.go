// Package deepgram provides a Deepgram-backed transcription provider using
// the Deepgram streaming WebSocket API. It implements the stt interfaces as
// the drop-in alternative to the in-protocol transcription upstream: each
// utterance streams over its own short-lived session that is finalized with
// a CloseStream message or torn down on cancellation.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/rpc"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-2"
	defaultLanguage   = "en-US"
	defaultSampleRate = 48000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en-US", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the PCM sample rate in Hz announced when a session is
// opened. Utterance audio must be delivered at this rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewTranscriber returns a per-participant transcriber. Sessions are dialed
// lazily per utterance, so only the initial status transition is reported.
func (p *Provider) NewTranscriber(_ context.Context, onStatus func(rpc.Status)) (stt.Transcriber, error) {
	if onStatus != nil {
		onStatus(rpc.StatusConnected)
	}
	return &Transcriber{
		provider: p,
		sessions: make(map[string]*session),
	}, nil
}

// Compile-time check: Provider must implement stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// buildURL constructs the Deepgram streaming endpoint URL for the given
// sample rate.
func (p *Provider) buildURL(sampleRate int) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transcriber implements stt.Transcriber with one Deepgram streaming session
// per in-flight utterance.
type Transcriber struct {
	provider *Provider

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// AudioData streams one chunk of mono PCM for the utterance, dialing the
// utterance's session on first use.
func (t *Transcriber) AudioData(ctx context.Context, utteranceID string, samples []int16) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("deepgram: transcriber is closed")
	}
	s, ok := t.sessions[utteranceID]
	if !ok {
		var err error
		s, err = t.provider.openSession(ctx)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.sessions[utteranceID] = s
	}
	t.mu.Unlock()

	return s.sendAudio(ctx, audio.Int16ToBytes(samples))
}

// CancelTranscription tears down the utterance's session, discarding its audio.
func (t *Transcriber) CancelTranscription(_ context.Context, utteranceID string) error {
	s := t.takeSession(utteranceID)
	if s == nil {
		return nil
	}
	s.abort()
	return nil
}

// Transcribe finalizes the utterance's session and returns the concatenated
// final transcripts.
func (t *Transcriber) Transcribe(ctx context.Context, utteranceID string, sampleRate int) (string, error) {
	s := t.takeSession(utteranceID)
	if s == nil {
		return "", fmt.Errorf("deepgram: no audio streamed for utterance %q", utteranceID)
	}
	if sampleRate != s.sampleRate {
		slog.Warn("deepgram: transcribe sample rate differs from session rate",
			"utterance", utteranceID, "got", sampleRate, "session", s.sampleRate)
	}
	return s.finalize(ctx)
}

// takeSession removes and returns the utterance's session, or nil.
func (t *Transcriber) takeSession(utteranceID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[utteranceID]
	if ok {
		delete(t.sessions, utteranceID)
	}
	return s
}

// Close aborts every in-flight session. Safe to call more than once.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, s := range t.sessions {
		s.abort()
		delete(t.sessions, id)
	}
	return nil
}

// Compile-time check: Transcriber must implement stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is one live Deepgram streaming session scoped to a single utterance.
type session struct {
	conn       *websocket.Conn
	sampleRate int

	mu     sync.Mutex // guards finals
	finals []string

	readDone chan struct{}
	once     sync.Once
}

// openSession dials a fresh streaming session at the provider's sample rate.
func (p *Provider) openSession(ctx context.Context) (*session, error) {
	wsURL, err := p.buildURL(p.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:       conn,
		sampleRate: p.sampleRate,
		readDone:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// sendAudio writes one binary linear16 chunk.
func (s *session) sendAudio(ctx context.Context, chunk []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

// finalize flushes the session with a CloseStream message, waits for the
// reader to drain the remaining results, and returns the transcript.
func (s *session) finalize(ctx context.Context) (string, error) {
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.abort()
		return "", fmt.Errorf("deepgram: close stream: %w", err)
	}

	select {
	case <-s.readDone:
	case <-ctx.Done():
		s.abort()
		return "", fmt.Errorf("deepgram: finalize: %w", ctx.Err())
	}
	s.abort()

	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.finals, " "), nil
}

// abort closes the connection without waiting for pending results.
func (s *session) abort() {
	s.once.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}

// readLoop collects final transcripts until the connection ends.
func (s *session) readLoop() {
	defer close(s.readDone)
	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			// Normal close or CloseStream drain completion.
			return
		}
		text, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.finals = append(s.finals, text)
		s.mu.Unlock()
	}
}

// parseDeepgramResponse extracts the transcript from a final Results message.
// Returns ("", false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (string, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false
	}
	if resp.Type != "Results" || !resp.IsFinal {
		return "", false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return "", false
	}
	text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	if text == "" {
		return "", false
	}
	return text, true
}
