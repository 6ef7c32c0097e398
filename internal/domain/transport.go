package domain

import "context"

// Connection is one live relay socket. Implementations own a read loop and
// deliver inbound frames on Messages in arrival order. When the socket dies
// for any reason the terminal error is sent on Closed and all channels are
// closed; after that the Connection is inert and must be discarded.
type Connection interface {
	// Send writes one text frame to the relay.
	Send(ctx context.Context, payload []byte) error

	// Ping sends a websocket ping control frame. Pong replies surface on
	// the Pongs channel.
	Ping() error

	// Close tears the socket down. Safe to call more than once.
	Close() error

	// Messages streams inbound frames in arrival order.
	Messages() <-chan []byte

	// Pongs signals each pong control frame received.
	Pongs() <-chan struct{}

	// Closed yields the terminal error (nil for a clean close) exactly
	// once, then is closed.
	Closed() <-chan error
}

// TransportFactory produces Connections. This is the only seam through which
// raw network I/O enters the core; tests substitute a fake.
type TransportFactory interface {
	Dial(ctx context.Context, url string) (Connection, error)
}
