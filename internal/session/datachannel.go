package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// inboxSize bounds buffered inbound data-channel messages per peer. The
// dispatch loop normally drains faster than a human can type; on overflow
// the newest message is dropped with a warning.
const inboxSize = 64

var errChannelClosed = errors.New("session: data channel closed")

// dataChannelConn adapts one peer's WebRTC data channel to [rpc.Conn].
// Outbound frames go straight to the channel; inbound text is pushed by the
// peer callback through deliver and buffered for the dispatch loop.
type dataChannelConn struct {
	send func(text string)

	inbox chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newDataChannelConn(send func(text string)) *dataChannelConn {
	return &dataChannelConn{
		send:  send,
		inbox: make(chan []byte, inboxSize),
		done:  make(chan struct{}),
	}
}

// deliver hands one inbound message to the dispatch loop. It never blocks
// the WebRTC callback goroutine.
func (c *dataChannelConn) deliver(text string) {
	select {
	case c.inbox <- []byte(text):
	case <-c.done:
	default:
		slog.Warn("session: data channel inbox full, dropping message")
	}
}

func (c *dataChannelConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return nil, errChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *dataChannelConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return errChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.send(string(data))
	return nil
}

func (c *dataChannelConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
