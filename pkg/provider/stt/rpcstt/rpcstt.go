// Package rpcstt implements the stt interfaces over the websocket
// transcription protocol: utterance audio is buffered upstream via
// audio_data notifications and resolved by a single transcribe call or
// discarded by a cancel_transcription notification.
package rpcstt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/rpc"
)

// Provider mints one transcription connection per conversation participant.
type Provider struct {
	url string
}

// New creates a Provider dialing the given websocket URL. url must be non-empty.
func New(url string) (*Provider, error) {
	if url == "" {
		return nil, errors.New("rpcstt: url must not be empty")
	}
	return &Provider{url: url}, nil
}

// NewTranscriber dials the transcription upstream and returns a live client.
// onStatus, when non-nil, observes the connection lifecycle.
func (p *Provider) NewTranscriber(ctx context.Context, onStatus func(rpc.Status)) (stt.Transcriber, error) {
	emit := func(s rpc.Status) {
		if onStatus != nil {
			onStatus(s)
		}
	}

	emit(rpc.StatusConnecting)
	conn, err := rpc.Dial(ctx, p.url, nil)
	if err != nil {
		emit(rpc.StatusFailed)
		return nil, fmt.Errorf("rpcstt: dial %s: %w", p.url, err)
	}
	emit(rpc.StatusConnected)

	c := newClient(rpc.NewPeer(conn, rpc.WithName("transcription")), onStatus)
	go c.dispatch()
	return c, nil
}

// Compile-time check: Provider must implement stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// ---- wire shapes ----

type audioDataParams struct {
	ID   string  `json:"id"`
	Data []int16 `json:"data"`
}

type cancelParams struct {
	ID string `json:"id"`
}

type transcribeParams struct {
	ID         string `json:"id"`
	SampleRate int    `json:"sample_rate"`
}

type transcribeResult struct {
	Text string `json:"text"`
}

// Client is a live per-participant transcription session. It implements
// stt.Transcriber.
type Client struct {
	peer     *rpc.Peer
	onStatus func(rpc.Status)
	once     sync.Once
}

// newClient wraps an already framed connection, used by NewTranscriber and
// by tests driving an in-memory pipe.
func newClient(peer *rpc.Peer, onStatus func(rpc.Status)) *Client {
	return &Client{peer: peer, onStatus: onStatus}
}

// dispatch pumps inbound frames (responses to transcribe calls) until the
// connection ends, then reports the disconnect.
func (c *Client) dispatch() {
	_ = c.peer.DispatchLoop(context.Background())
	if c.onStatus != nil {
		c.onStatus(rpc.StatusDisconnected)
	}
}

// AudioData delivers one chunk of mono PCM for the utterance.
func (c *Client) AudioData(ctx context.Context, utteranceID string, samples []int16) error {
	return c.peer.Notify(ctx, "audio_data", audioDataParams{ID: utteranceID, Data: samples})
}

// CancelTranscription discards all audio buffered under the utterance id.
func (c *Client) CancelTranscription(ctx context.Context, utteranceID string) error {
	return c.peer.Notify(ctx, "cancel_transcription", cancelParams{ID: utteranceID})
}

// Transcribe finalizes the utterance and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, utteranceID string, sampleRate int) (string, error) {
	res, err := c.peer.Call(ctx, "transcribe", transcribeParams{ID: utteranceID, SampleRate: sampleRate})
	if err != nil {
		return "", fmt.Errorf("rpcstt: transcribe %s: %w", utteranceID, err)
	}
	var out transcribeResult
	if err := json.Unmarshal(res, &out); err != nil {
		return "", fmt.Errorf("rpcstt: decode transcribe result: %w", err)
	}
	return out.Text, nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.peer.Close()
	})
	return err
}

// Compile-time check: Client must implement stt.Transcriber.
var _ stt.Transcriber = (*Client)(nil)
