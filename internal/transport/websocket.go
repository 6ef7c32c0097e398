package transport

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openvine/feedcore/internal/domain"
	"github.com/openvine/feedcore/internal/errors"
	"github.com/openvine/feedcore/internal/logger"
	"go.uber.org/zap"
)

const (
	writeTimeout   = 10 * time.Second
	controlTimeout = 5 * time.Second
	readLimitBytes = 1 * 1024 * 1024
	messageBuffer  = 256
)

// Factory dials real websocket connections to relays.
type Factory struct {
	dialTimeout time.Duration
}

var _ domain.TransportFactory = (*Factory)(nil)

// NewFactory returns a Factory with the given handshake timeout.
func NewFactory(dialTimeout time.Duration) *Factory {
	return &Factory{dialTimeout: dialTimeout}
}

// Dial opens a websocket to the relay and starts its read loop.
func (f *Factory) Dial(ctx context.Context, rawURL string) (domain.Connection, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.ConnectionCreationError(rawURL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, errors.ConnectionCreationError(rawURL,
			errors.New(errors.ErrorTypeValidation, "BAD_SCHEME", "relay URL must be ws:// or wss://"))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  f.dialTimeout,
		EnableCompression: true,
	}
	ws, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, errors.ConnectionCreationError(rawURL, err)
	}

	conn := newWsConnection(ws, rawURL)
	go conn.readLoop()
	return conn, nil
}

// wsConnection wraps one relay websocket. The read loop is the sole sender
// on messages and closes it on exit.
type wsConnection struct {
	ws  *websocket.Conn
	url string

	writeMu  sync.Mutex
	closeMu  sync.Once
	isClosed atomic.Bool

	messages chan []byte
	pongs    chan struct{}
	closed   chan error
	done     chan struct{}
}

var _ domain.Connection = (*wsConnection)(nil)

func newWsConnection(ws *websocket.Conn, rawURL string) *wsConnection {
	conn := &wsConnection{
		ws:       ws,
		url:      rawURL,
		messages: make(chan []byte, messageBuffer),
		pongs:    make(chan struct{}, 4),
		closed:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	ws.SetReadLimit(readLimitBytes)
	ws.EnableWriteCompression(true)

	ws.SetPongHandler(func(string) error {
		select {
		case conn.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	// Echo pings from the relay
	ws.SetPingHandler(func(appData string) error {
		conn.writeMu.Lock()
		defer conn.writeMu.Unlock()
		_ = conn.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlTimeout))
		return nil
	})

	return conn
}

func (c *wsConnection) Send(ctx context.Context, payload []byte) error {
	if c.isClosed.Load() {
		return errors.ConnectionClosedError(c.url)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(deadline)
	err := c.ws.WriteMessage(websocket.TextMessage, payload)
	_ = c.ws.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()

	// teardown takes writeMu for the close frame, so it must run unlocked
	if err != nil {
		c.teardown(err)
		return errors.Wrap(err, errors.ErrorTypeNetwork, "WRITE_FAILED", "websocket write failed")
	}
	return nil
}

func (c *wsConnection) Ping() error {
	if c.isClosed.Load() {
		return errors.ConnectionClosedError(c.url)
	}

	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(controlTimeout))
	c.writeMu.Unlock()

	if err != nil {
		c.teardown(err)
		return errors.Wrap(err, errors.ErrorTypeNetwork, "PING_FAILED", "websocket ping failed")
	}
	return nil
}

func (c *wsConnection) Close() error {
	c.teardown(nil)
	return nil
}

func (c *wsConnection) Messages() <-chan []byte { return c.messages }
func (c *wsConnection) Pongs() <-chan struct{}  { return c.pongs }
func (c *wsConnection) Closed() <-chan error    { return c.closed }

// readLoop delivers inbound frames in arrival order until the socket dies.
func (c *wsConnection) readLoop() {
	defer close(c.messages)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Relay closed connection normally", zap.String("relay", c.url))
				c.teardown(nil)
			} else {
				logger.Debug("Websocket read error", zap.String("relay", c.url), zap.Error(err))
				c.teardown(err)
			}
			return
		}

		select {
		case c.messages <- raw:
		case <-c.done:
			return
		}
	}
}

// teardown closes the socket exactly once and publishes the terminal error.
func (c *wsConnection) teardown(cause error) {
	c.closeMu.Do(func() {
		c.isClosed.Store(true)
		close(c.done)

		// Polite close frame, best effort
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = c.ws.Close()

		if cause != nil {
			c.closed <- cause
		}
		close(c.closed)
	})
}
