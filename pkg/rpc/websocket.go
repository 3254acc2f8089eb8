package rpc

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// WSConn adapts a coder/websocket connection to the [Conn] interface.
// Frames are sent as text messages.
type WSConn struct {
	ws *websocket.Conn
}

// Dial opens a websocket connection to url and wraps it in a [WSConn].
// header may be nil.
func Dial(ctx context.Context, url string, header http.Header) (*WSConn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	return &WSConn{ws: ws}, nil
}

// WrapWebsocket wraps an already established websocket connection.
func WrapWebsocket(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Read blocks until the next websocket message arrives.
func (c *WSConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

// Write sends one text message.
func (c *WSConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close performs a normal websocket closure, unblocking pending reads.
func (c *WSConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}
