// Package transporttest provides an in-memory transport for exercising the
// connection and feed layers without sockets.
package transporttest

import (
	"context"
	"sync"

	"github.com/openvine/feedcore/internal/domain"
)

// Conn is an in-memory domain.Connection. Tests inject inbound frames with
// Deliver, observe outbound frames with Sent, and kill the connection with
// Fail.
type Conn struct {
	URL      string
	AutoPong bool

	mu      sync.Mutex
	sent    [][]byte
	pings   int
	sendErr error
	pingErr error

	messages  chan []byte
	pongs     chan struct{}
	closed    chan error
	closeOnce sync.Once
}

// NewConn returns an open fake connection.
func NewConn(url string, autoPong bool) *Conn {
	return &Conn{
		URL:      url,
		AutoPong: autoPong,
		messages: make(chan []byte, 64),
		pongs:    make(chan struct{}, 4),
		closed:   make(chan error, 1),
	}
}

func (c *Conn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *Conn) Ping() error {
	c.mu.Lock()
	c.pings++
	err := c.pingErr
	auto := c.AutoPong
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		select {
		case c.pongs <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) Messages() <-chan []byte { return c.messages }
func (c *Conn) Pongs() <-chan struct{}  { return c.pongs }
func (c *Conn) Closed() <-chan error    { return c.closed }

// Deliver feeds one inbound frame to the reader.
func (c *Conn) Deliver(payload []byte) { c.messages <- payload }

// Pong delivers one pong, for tests that disable AutoPong.
func (c *Conn) Pong() { c.pongs <- struct{}{} }

// Fail terminates the connection with err, like a socket drop.
func (c *Conn) Fail(err error) {
	c.closeOnce.Do(func() {
		c.closed <- err
		close(c.closed)
	})
}

// Sent returns a snapshot of everything written to the connection.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// PingCount reports how many pings were sent.
func (c *Conn) PingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// SetSendErr makes subsequent Send calls fail with err.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SetPingErr makes subsequent Ping calls fail with err.
func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Factory dials fake connections and records them in dial order.
type Factory struct {
	AutoPong bool

	mu       sync.Mutex
	conns    []*Conn
	failNext int
	dialErr  error
}

var _ domain.TransportFactory = (*Factory)(nil)

// NewFactory returns a factory whose connections answer pings when autoPong
// is set.
func NewFactory(autoPong bool) *Factory {
	return &Factory{AutoPong: autoPong}
}

func (f *Factory) Dial(_ context.Context, url string) (domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, f.dialErr
	}
	c := NewConn(url, f.AutoPong)
	f.conns = append(f.conns, c)
	return c, nil
}

// FailNext makes the next n dials return err.
func (f *Factory) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.dialErr = err
}

// DialCount reports how many dials succeeded.
func (f *Factory) DialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Conn returns the i-th dialed connection.
func (f *Factory) Conn(i int) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

// Last returns the most recently dialed connection, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
