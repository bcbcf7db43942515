package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/devecho/pkg/ipc"
)

// Network names accepted by [NewDialer].
const (
	NetworkUnix      = "unix"
	NetworkTCP       = "tcp"
	NetworkWebSocket = "websocket"
)

// Dialer opens the byte stream a [Channel] runs on.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context) (net.Conn, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context) (net.Conn, error) { return f(ctx) }

// NetDialer dials a unix socket or TCP address.
type NetDialer struct {
	Network string
	Address string
}

// Dial implements [Dialer].
func (d NetDialer) Dial(ctx context.Context) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s %s: %w", d.Network, d.Address, err)
	}
	return conn, nil
}

// WebSocketDialer dials a backend WebSocket endpoint and exposes it as a byte
// stream. Each newline-delimited envelope travels in one text message.
type WebSocketDialer struct {
	URL string

	// HTTPClient is used for the handshake. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Dial implements [Dialer].
func (d WebSocketDialer) Dial(ctx context.Context) (net.Conn, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("transport: dial websocket %s: %w", d.URL, err)
	}
	c.SetReadLimit(ipc.MaxLineBytes)
	// NetConn is bound to the connection's own lifetime, not the dial ctx.
	return websocket.NetConn(context.Background(), c, websocket.MessageText), nil
}

// NewDialer returns the dialer for a configured network name.
func NewDialer(network, address string) (Dialer, error) {
	switch network {
	case NetworkUnix, NetworkTCP:
		return NetDialer{Network: network, Address: address}, nil
	case NetworkWebSocket:
		return WebSocketDialer{URL: address}, nil
	default:
		return nil, fmt.Errorf("transport: unknown network %q", network)
	}
}
