// Package rpc implements the lightweight JSON-RPC-style framing used by the
// signaling, transcription and token-streaming upstreams as well as the
// per-peer data channel.
//
// Three frame shapes travel over a single duplex text connection:
//
//	request      {"id": 7, "method": "join", "params": {...}}
//	response     {"id": 7, "result": {...}} or {"id": 7, "error": "..."}
//	notification {"method": "on_token", "params": {...}}
//
// A [Peer] multiplexes outgoing calls and notifications with the dispatch of
// inbound frames to registered handlers. Handlers run sequentially on the
// dispatch goroutine, so per-method frames are observed in arrival order;
// handlers that block must spawn their own goroutine.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// DefaultCallTimeout bounds [Peer.Call] when the caller's context carries no
// earlier deadline.
const DefaultCallTimeout = 10 * time.Second

// ErrTimeout is returned by [Peer.Call] when no response arrives before the
// call deadline expires.
var ErrTimeout = errors.New("rpc: call timed out")

// ErrClosed is returned for calls pending on a connection that has been torn
// down, and for sends attempted after [Peer.Close].
var ErrClosed = errors.New("rpc: connection closed")

// Conn is the duplex text transport a [Peer] frames over. It is satisfied by
// the [WSConn] websocket adapter and by in-memory pipes in tests.
type Conn interface {
	// Read blocks until the next inbound message is available.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one outbound message.
	Write(ctx context.Context, data []byte) error
	// Close tears the transport down, unblocking pending reads.
	Close() error
}

// Handler processes one inbound request or notification. The returned value
// is marshalled into the response frame when the inbound frame carried an id;
// a returned error becomes an error response instead.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// frame is the on-wire shape shared by requests, responses and notifications.
type frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Option is a functional option for configuring a [Peer].
type Option func(*Peer)

// WithCallTimeout overrides the default deadline applied to [Peer.Call].
func WithCallTimeout(d time.Duration) Option {
	return func(p *Peer) {
		p.callTimeout = d
	}
}

// WithName sets the peer name used in log messages. Useful when a process
// frames over several connections at once.
func WithName(name string) Option {
	return func(p *Peer) {
		p.name = name
	}
}

// Peer frames JSON-RPC-style messages over a single [Conn].
//
// Outgoing writes are serialized; inbound frames are routed by
// [Peer.DispatchLoop]. Safe for concurrent use.
type Peer struct {
	conn        Conn
	name        string
	callTimeout time.Duration

	wmu sync.Mutex // serializes conn.Write

	hmu      sync.RWMutex
	handlers map[string]Handler

	pmu     sync.Mutex
	nextID  uint64
	pending map[uint64]chan result
	closed  bool
}

// result carries one response back to the awaiting caller.
type result struct {
	payload json.RawMessage
	err     error
}

// NewPeer wraps conn in a ready-to-use Peer. The caller must run
// [Peer.DispatchLoop] for responses and inbound frames to be delivered.
func NewPeer(conn Conn, opts ...Option) *Peer {
	p := &Peer{
		conn:        conn,
		callTimeout: DefaultCallTimeout,
		handlers:    make(map[string]Handler),
		pending:     make(map[uint64]chan result),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handle registers the handler for an inbound method. Registering the same
// method twice is a programming error and panics.
func (p *Peer) Handle(method string, h Handler) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	if _, ok := p.handlers[method]; ok {
		panic("rpc: duplicate handler registration for method " + strconv.Quote(method))
	}
	p.handlers[method] = h
}

// Call sends a request and blocks until the matching response arrives or the
// deadline expires. The deadline is the earlier of ctx and the peer's call
// timeout; expiry yields an error wrapping [ErrTimeout].
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: call %q: marshal params: %w", method, err)
	}

	p.pmu.Lock()
	if p.closed {
		p.pmu.Unlock()
		return nil, fmt.Errorf("rpc: call %q: %w", method, ErrClosed)
	}
	p.nextID++
	id := p.nextID
	ch := make(chan result, 1)
	p.pending[id] = ch
	p.pmu.Unlock()

	defer func() {
		p.pmu.Lock()
		delete(p.pending, id)
		p.pmu.Unlock()
	}()

	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	idRaw := json.RawMessage(strconv.FormatUint(id, 10))
	if err := p.send(ctx, frame{ID: idRaw, Method: method, Params: raw}); err != nil {
		return nil, fmt.Errorf("rpc: call %q: send: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("rpc: call %q: %w", method, res.err)
		}
		return res.payload, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("rpc: call %q: %w", method, ErrTimeout)
		}
		return nil, fmt.Errorf("rpc: call %q: %w", method, ctx.Err())
	}
}

// Notify sends a fire-and-forget notification.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("rpc: notify %q: marshal params: %w", method, err)
	}
	if err := p.send(ctx, frame{Method: method, Params: raw}); err != nil {
		return fmt.Errorf("rpc: notify %q: %w", method, err)
	}
	return nil
}

// DispatchLoop reads inbound frames until the connection fails or ctx is
// cancelled, routing each through [Peer.HandleMessage]. On exit every pending
// call is failed with [ErrClosed] and the read error is returned.
func (p *Peer) DispatchLoop(ctx context.Context) error {
	for {
		data, err := p.conn.Read(ctx)
		if err != nil {
			p.failPending()
			return err
		}
		p.HandleMessage(ctx, data)
	}
}

// HandleMessage parses one inbound frame and routes it: responses complete
// pending calls, requests invoke the registered handler and produce a
// response frame, notifications invoke the handler with no reply. Malformed
// frames and unknown methods are logged and dropped.
func (p *Peer) HandleMessage(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("rpc: dropping malformed frame", "peer", p.name, "err", err)
		return
	}

	switch {
	case f.Method == "" && len(f.ID) > 0:
		p.handleResponse(f)
	case f.Method != "" && len(f.ID) > 0:
		p.handleRequest(ctx, f)
	case f.Method != "":
		p.handleNotification(ctx, f)
	default:
		slog.Warn("rpc: dropping frame with neither method nor id", "peer", p.name)
	}
}

// handleResponse completes the pending call matching the frame's id.
func (p *Peer) handleResponse(f frame) {
	id, err := strconv.ParseUint(string(f.ID), 10, 64)
	if err != nil {
		slog.Warn("rpc: dropping response with unparseable id", "peer", p.name, "id", string(f.ID))
		return
	}

	p.pmu.Lock()
	ch, ok := p.pending[id]
	p.pmu.Unlock()
	if !ok {
		slog.Warn("rpc: dropping response for unknown call id", "peer", p.name, "id", id)
		return
	}

	res := result{payload: f.Result}
	if len(f.Error) > 0 && string(f.Error) != "null" {
		res = result{err: &RemoteError{Raw: f.Error}}
	}
	select {
	case ch <- res:
	default:
	}
}

// handleRequest invokes the handler and writes the response frame back.
func (p *Peer) handleRequest(ctx context.Context, f frame) {
	h := p.lookupHandler(f.Method)
	if h == nil {
		slog.Warn("rpc: dropping request for unknown method", "peer", p.name, "method", f.Method)
		return
	}

	out, err := h(ctx, f.Params)
	resp := frame{ID: f.ID}
	if err != nil {
		msg, _ := json.Marshal(err.Error())
		resp.Error = msg
	} else {
		raw, merr := marshalParams(out)
		if merr != nil {
			slog.Warn("rpc: failed to marshal handler result", "peer", p.name, "method", f.Method, "err", merr)
			msg, _ := json.Marshal("internal error")
			resp.Error = msg
		} else {
			resp.Result = raw
		}
	}
	if err := p.send(ctx, resp); err != nil {
		slog.Warn("rpc: failed to send response", "peer", p.name, "method", f.Method, "err", err)
	}
}

// handleNotification invokes the handler, discarding any result.
func (p *Peer) handleNotification(ctx context.Context, f frame) {
	h := p.lookupHandler(f.Method)
	if h == nil {
		slog.Warn("rpc: dropping notification for unknown method", "peer", p.name, "method", f.Method)
		return
	}
	if _, err := h(ctx, f.Params); err != nil {
		slog.Warn("rpc: notification handler failed", "peer", p.name, "method", f.Method, "err", err)
	}
}

// lookupHandler returns the handler registered for method, or nil.
func (p *Peer) lookupHandler(method string) Handler {
	p.hmu.RLock()
	defer p.hmu.RUnlock()
	return p.handlers[method]
}

// send marshals and writes one frame. Writes are serialized so concurrent
// calls and notifications never interleave on the wire.
func (p *Peer) send(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.Write(ctx, data)
}

// failPending fails every in-flight call with ErrClosed and marks the peer
// closed so later calls fail fast.
func (p *Peer) failPending() {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.closed = true
	for id, ch := range p.pending {
		select {
		case ch <- result{err: ErrClosed}:
		default:
		}
		delete(p.pending, id)
	}
}

// Close tears down the underlying connection. Pending calls fail once the
// dispatch loop observes the closed transport.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// marshalParams marshals params unless they are already raw JSON or nil.
func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(params)
	}
}

// RemoteError is an error response received from the remote side of the
// connection. Raw holds the verbatim error value of the response frame.
type RemoteError struct {
	Raw json.RawMessage
}

// Error renders the remote error value. String payloads are unquoted.
func (e *RemoteError) Error() string {
	var s string
	if err := json.Unmarshal(e.Raw, &s); err == nil {
		return "rpc: remote error: " + s
	}
	return "rpc: remote error: " + string(e.Raw)
}
