// Package tokenstream connects to the upstream token-streaming service and
// delivers one conversation's LLM output as it is generated.
//
// The client binds to a context with connect_to_context, learns which agent
// (and voice) answers in it, and then receives on_token / on_tool_call /
// on_tool_response notifications until the connection ends. Finalized user
// utterances are pushed upstream with [Client.AddMessage]. There is no
// reconnection: when the stream dies the conversation is over.
package tokenstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/parley-ai/parley/pkg/rpc"
)

// Agent describes the upstream agent serving a context.
type Agent struct {
	// VoiceID selects the TTS voice the agent speaks with. May be empty,
	// in which case the caller falls back to its configured voice.
	VoiceID string `json:"voice_id"`
}

// Callbacks receive streamed events. Fields may be nil. They are invoked on
// the client's dispatch goroutine and must not block.
type Callbacks struct {
	// OnToken delivers one generated token of the given response.
	OnToken func(token, responseID string)

	// OnToolCall reports a tool invocation the agent requested. The input
	// payload is forwarded opaquely.
	OnToolCall func(toolID, toolName string, input json.RawMessage)

	// OnToolResponse reports the outcome of an earlier tool call.
	OnToolResponse func(toolID, toolName string, output json.RawMessage)

	// OnStatus observes the connection lifecycle.
	OnStatus func(rpc.Status)
}

// Option configures a [Client].
type Option func(*Client)

// WithDialer overrides the websocket dial, letting tests wire an in-memory
// transport.
func WithDialer(dial func(ctx context.Context, url string) (rpc.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// Client is one connection to the token-streaming service.
type Client struct {
	url       string
	callbacks Callbacks
	dial      func(ctx context.Context, url string) (rpc.Conn, error)

	mu   sync.Mutex
	peer *rpc.Peer

	closeOnce sync.Once
}

// New prepares a client for the given ws(s):// URL. No I/O happens until
// Connect.
func New(url string, callbacks Callbacks, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("tokenstream: URL must not be empty")
	}
	c := &Client{
		url:       url,
		callbacks: callbacks,
		dial: func(ctx context.Context, url string) (rpc.Conn, error) {
			return rpc.Dial(ctx, url, nil)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// wire shapes of the token-stream protocol.
type (
	connectParams struct {
		ContextID string `json:"context_id"`
		// AccessToken is always present on the wire, empty when the
		// conversation was admitted without one.
		AccessToken string `json:"access_token"`
	}
	connectResult struct {
		Success bool  `json:"success"`
		Agent   Agent `json:"agent"`
	}
	addMessageParams struct {
		Message string `json:"message"`
	}
	tokenParams struct {
		Token      string `json:"token"`
		ResponseID string `json:"response_id"`
	}
	toolCallParams struct {
		ToolID    string          `json:"tool_id"`
		ToolName  string          `json:"tool_name"`
		ToolInput json.RawMessage `json:"tool_input"`
	}
	toolResponseParams struct {
		ToolID     string          `json:"tool_id"`
		ToolName   string          `json:"tool_name"`
		ToolOutput json.RawMessage `json:"tool_output"`
	}
)

// Connect dials the service and binds to the given context. The returned
// Agent carries the upstream voice selection. A refused context or transport
// failure leaves the client closed.
func (c *Client) Connect(ctx context.Context, contextID, accessToken string) (Agent, error) {
	c.emit(rpc.StatusConnecting)

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		c.emit(rpc.StatusFailed)
		return Agent{}, fmt.Errorf("tokenstream: dial: %w", err)
	}

	peer := rpc.NewPeer(conn, rpc.WithName("tokenstream"))
	peer.Handle("on_token", c.handleToken)
	peer.Handle("on_tool_call", c.handleToolCall)
	peer.Handle("on_tool_response", c.handleToolResponse)

	go func() {
		_ = peer.DispatchLoop(context.Background())
		c.emit(rpc.StatusDisconnected)
	}()

	raw, err := peer.Call(ctx, "connect_to_context", connectParams{
		ContextID:   contextID,
		AccessToken: accessToken,
	})
	if err != nil {
		peer.Close()
		c.emit(rpc.StatusFailed)
		return Agent{}, fmt.Errorf("tokenstream: connect to context %q: %w", contextID, err)
	}
	var result connectResult
	if err := json.Unmarshal(raw, &result); err != nil {
		peer.Close()
		c.emit(rpc.StatusFailed)
		return Agent{}, fmt.Errorf("tokenstream: decode connect result: %w", err)
	}
	if !result.Success {
		peer.Close()
		c.emit(rpc.StatusFailed)
		return Agent{}, fmt.Errorf("tokenstream: upstream refused context %q", contextID)
	}

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	c.emit(rpc.StatusConnected)
	return result.Agent, nil
}

// AddMessage pushes one finalized user utterance into the context.
func (c *Client) AddMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return errors.New("tokenstream: not connected")
	}
	if err := peer.Notify(ctx, "add_message", addMessageParams{Message: text}); err != nil {
		return fmt.Errorf("tokenstream: add message: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		peer := c.peer
		c.peer = nil
		c.mu.Unlock()
		if peer != nil {
			peer.Close()
		}
	})
	return nil
}

func (c *Client) handleToken(_ context.Context, params json.RawMessage) (any, error) {
	var p tokenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("tokenstream: on_token params: %w", err)
	}
	if c.callbacks.OnToken != nil {
		c.callbacks.OnToken(p.Token, p.ResponseID)
	}
	return nil, nil
}

func (c *Client) handleToolCall(_ context.Context, params json.RawMessage) (any, error) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("tokenstream: on_tool_call params: %w", err)
	}
	if c.callbacks.OnToolCall != nil {
		c.callbacks.OnToolCall(p.ToolID, p.ToolName, p.ToolInput)
	}
	return nil, nil
}

func (c *Client) handleToolResponse(_ context.Context, params json.RawMessage) (any, error) {
	var p toolResponseParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("tokenstream: on_tool_response params: %w", err)
	}
	if c.callbacks.OnToolResponse != nil {
		c.callbacks.OnToolResponse(p.ToolID, p.ToolName, p.ToolOutput)
	}
	return nil, nil
}

func (c *Client) emit(status rpc.Status) {
	if c.callbacks.OnStatus != nil {
		c.callbacks.OnStatus(status)
	}
}
