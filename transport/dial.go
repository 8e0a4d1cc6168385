package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"runner-rpc/protocol"
)

// Dial connects to a host over a stream network and returns the dialer side
// of a Mux.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Mux, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewMux(conn, true, opts...), nil
}

// DialWebSocket connects to a websocket endpoint and runs a Mux over binary
// messages. Each frame is written as one websocket message.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Mux, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return newWebSocketMux(c, true, opts...), nil
}

// AcceptWebSocket upgrades an HTTP request and returns the acceptor side of
// a Mux. The handler must not return before the mux is Done, since returning
// tears the hijacked connection down.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, opts ...Option) (*Mux, error) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket accept: %w", err)
	}
	return newWebSocketMux(c, false, opts...), nil
}

func newWebSocketMux(c *websocket.Conn, dialer bool, opts ...Option) *Mux {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c.SetReadLimit(int64(o.maxBody) + int64(protocol.HeaderSize))
	// The mux owns the connection lifetime; Close on the mux closes nc.
	nc := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	return NewMux(nc, dialer, opts...)
}
