package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
	"github.com/openvine/feedcore/internal/domain"
	"github.com/openvine/feedcore/internal/errors"
	"github.com/openvine/feedcore/internal/identity"
	"github.com/openvine/feedcore/internal/logger"
	"github.com/openvine/feedcore/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle phase of one relay connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamHandler receives subscription-scoped relay messages. The manager
// handles AUTH/OK/pong itself and forwards the rest here.
type StreamHandler interface {
	HandleEvent(relayURL, subID string, evt *nostr.Event)
	HandleEOSE(relayURL, subID string)
	HandleClosed(relayURL, subID, reason string)
}

// Options configures a Manager.
type Options struct {
	AutoReconnect bool
	Backoff       Backoff
	DialTimeout   time.Duration
	AckTimeout    time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration

	// Inbound event flood protection; zero disables it.
	MaxEventsPerSecond int
	BurstSize          int
}

// Manager owns the full lifecycle of one relay connection: dialing,
// authentication, keep-alive, reconnection with backoff, and the pending
// operation table. Failures stay local to this relay and surface only
// through the state stream and failed pending operations.
type Manager struct {
	url      string
	factory  domain.TransportFactory
	identity *identity.ClientIdentity
	opts     Options
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	conn           domain.Connection
	session        uint64
	attempts       int
	reconnectTimer *time.Timer
	disposed       bool

	pending *PendingTable

	readyWaiters []chan error
	readyFuncs   []func()
	stateSubs    []chan State

	stream     StreamHandler
	limiter    *rate.Limiter
	healthKick chan struct{}
}

// NewManager builds a Manager for one relay URL. The identity may be nil
// when the relay is not expected to demand authentication.
func NewManager(url string, factory domain.TransportFactory, id *identity.ClientIdentity, opts Options) *Manager {
	if opts.Backoff.Initial == 0 {
		opts.Backoff = DefaultBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		url:        url,
		factory:    factory,
		identity:   id,
		opts:       opts,
		log:        logger.New("connection").With(zap.String("relay", url)),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		pending:    NewPendingTable(),
		healthKick: make(chan struct{}, 1),
	}
	if opts.MaxEventsPerSecond > 0 {
		burst := opts.BurstSize
		if burst <= 0 {
			burst = opts.MaxEventsPerSecond
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.MaxEventsPerSecond), burst)
	}
	return m
}

// URL returns the relay endpoint this manager owns.
func (m *Manager) URL() string { return m.url }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetStreamHandler installs the receiver for EVENT/EOSE/CLOSED messages.
func (m *Manager) SetStreamHandler(h StreamHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = h
}

// OnReady registers a callback invoked after every successful connect,
// including reconnects. Callbacks run outside the manager lock.
func (m *Manager) OnReady(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyFuncs = append(m.readyFuncs, fn)
}

// States returns a channel of state transitions for status consumers.
// Slow consumers miss intermediate transitions rather than blocking the
// state machine.
func (m *Manager) States() <-chan State {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan State, 8)
	m.stateSubs = append(m.stateSubs, ch)
	return ch
}

// Connect starts connecting unless already underway. It never blocks and
// never returns an error; failures surface through the state stream and,
// with auto-reconnect enabled, schedule a retry.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.disposed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnecting)
	sessionID := m.session
	m.mu.Unlock()

	go m.dial(sessionID)
}

func (m *Manager) dial(sessionID uint64) {
	ctx := m.ctx
	if m.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()
	}

	conn, err := m.factory.Dial(ctx, m.url)

	m.mu.Lock()
	if m.disposed || m.session != sessionID || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		m.setStateLocked(StateDisconnected)
		auto := m.opts.AutoReconnect
		m.mu.Unlock()

		m.log.Debug("Dial failed", zap.Error(err))
		if auto {
			m.scheduleReconnect()
		}
		return
	}

	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateConnected)
	waiters := m.readyWaiters
	m.readyWaiters = nil
	readyFuncs := append([]func(){}, m.readyFuncs...)
	m.mu.Unlock()

	m.log.Info("Connected to relay")
	metrics.IncrementConnectedRelays()

	for _, w := range waiters {
		w <- nil
	}
	for _, fn := range readyFuncs {
		fn()
	}

	go m.runSession(sessionID, conn)
}

// runSession drives one live connection: message dispatch, keep-alive
// pings, pong timeouts. It exits when the connection dies.
func (m *Manager) runSession(sessionID uint64, conn domain.Connection) {
	var tickerC <-chan time.Time
	if m.opts.PingInterval > 0 {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		tickerC = ticker.C
	}

	pongTimeout := time.NewTimer(time.Hour)
	if !pongTimeout.Stop() {
		<-pongTimeout.C
	}
	defer pongTimeout.Stop()
	awaitingPong := false

	msgs := conn.Messages()
	for {
		select {
		case raw, ok := <-msgs:
			if !ok {
				// Read loop exited; the terminal error follows on Closed.
				msgs = nil
				continue
			}
			m.handleMessage(sessionID, raw)

		case <-conn.Pongs():
			awaitingPong = false
			if !pongTimeout.Stop() {
				select {
				case <-pongTimeout.C:
				default:
				}
			}

		case err := <-conn.Closed():
			if err == nil {
				err = errors.ConnectionClosedError(m.url)
			}
			m.handleDisconnect(sessionID, err)
			return

		case <-tickerC:
			if awaitingPong {
				continue
			}
			if err := conn.Ping(); err != nil {
				continue // Closed fires next
			}
			awaitingPong = true
			pongTimeout.Reset(m.opts.PingTimeout)

		case <-m.healthKick:
			if awaitingPong {
				continue
			}
			if err := conn.Ping(); err != nil {
				continue
			}
			awaitingPong = true
			pongTimeout.Reset(m.opts.PingTimeout)

		case <-pongTimeout.C:
			if !awaitingPong {
				continue
			}
			// A silent socket is indistinguishable from a dead one.
			metrics.HealthCheckFailures.WithLabelValues(m.url).Inc()
			m.log.Warn("Health check failed, dropping connection")
			_ = conn.Close()
			m.handleDisconnect(sessionID, errors.PingTimeoutError(m.url))
			return
		}
	}
}

// TriggerHealthCheck requests an immediate keep-alive ping on the live
// session, if any.
func (m *Manager) TriggerHealthCheck() {
	select {
	case m.healthKick <- struct{}{}:
	default:
	}
}

// handleMessage dispatches one inbound relay frame. Malformed messages are
// dropped without tearing down the connection.
func (m *Manager) handleMessage(sessionID uint64, raw []byte) {
	envelope := nostr.ParseMessage(string(raw))
	if envelope == nil {
		m.log.Debug("Dropping unparseable relay message",
			zap.Error(errors.ProtocolError("unknown", "unparseable frame")))
		return
	}

	switch env := envelope.(type) {
	case *nostr.AuthEnvelope:
		if env.Challenge == nil {
			m.log.Debug("Dropping AUTH without challenge")
			return
		}
		m.beginAuthentication(sessionID, *env.Challenge)

	case *nostr.OKEnvelope:
		if !m.pending.Resolve(env.EventID, env.OK, env.Reason) {
			m.log.Debug("OK without pending operation",
				zap.String("event_id", env.EventID))
		}

	case *nostr.EventEnvelope:
		if m.limiter != nil && !m.limiter.Allow() {
			metrics.EventsRejected.WithLabelValues("flood").Inc()
			return
		}
		if env.SubscriptionID == nil {
			return
		}
		if h := m.streamHandler(); h != nil {
			h.HandleEvent(m.url, *env.SubscriptionID, &env.Event)
		}

	case *nostr.EOSEEnvelope:
		if h := m.streamHandler(); h != nil {
			h.HandleEOSE(m.url, string(*env))
		}

	case *nostr.ClosedEnvelope:
		if h := m.streamHandler(); h != nil {
			h.HandleClosed(m.url, string(env.SubscriptionID), env.Reason)
		}

	case *nostr.NoticeEnvelope:
		m.log.Debug("Relay notice", zap.String("notice", string(*env)))

	default:
		m.log.Debug("Dropping unhandled relay message", zap.String("label", envelope.Label()))
	}
}

func (m *Manager) streamHandler() StreamHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// beginAuthentication answers a NIP-42 challenge. The state dips to
// authenticating while the signed response is produced and returns to
// connected once it has been sent.
func (m *Manager) beginAuthentication(sessionID uint64, challenge string) {
	m.mu.Lock()
	if m.disposed || m.session != sessionID || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if m.identity == nil {
		m.mu.Unlock()
		m.log.Warn("Relay requested auth but no client identity is configured")
		return
	}
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	evt := nip42.CreateUnsignedAuthEvent(challenge, m.identity.PublicKey, m.url)
	if err := m.identity.Sign(&evt); err != nil {
		m.log.Error("Failed to sign auth event", zap.Error(err))
		m.revertToConnected(sessionID)
		return
	}
	m.CompleteAuthentication(sessionID, &evt)
}

// CompleteAuthentication sends the signed challenge response and moves the
// state machine back to connected.
func (m *Manager) CompleteAuthentication(sessionID uint64, signed *nostr.Event) {
	m.mu.Lock()
	conn := m.conn
	valid := !m.disposed && m.session == sessionID && m.state == StateAuthenticating
	m.mu.Unlock()
	if !valid || conn == nil {
		return
	}

	payload, err := nostr.AuthEnvelope{Event: *signed}.MarshalJSON()
	if err != nil {
		m.log.Error("Failed to marshal auth response", zap.Error(err))
		m.revertToConnected(sessionID)
		return
	}
	if err := conn.Send(m.ctx, payload); err != nil {
		m.log.Debug("Failed to send auth response", zap.Error(err))
		return // connection failure path takes over
	}

	m.log.Debug("Authentication response sent")
	m.revertToConnected(sessionID)
}

func (m *Manager) revertToConnected(sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.session != sessionID || m.state != StateAuthenticating {
		return
	}
	m.setStateLocked(StateConnected)
}

// Send writes a payload without expecting an acknowledgment. Fails
// immediately when not connected.
func (m *Manager) Send(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected || m.state == StateAuthenticating
	m.mu.Unlock()

	if !connected || conn == nil {
		return errors.NotConnectedError(m.url)
	}
	return conn.Send(ctx, payload)
}

// SendWithAck registers a pending operation under correlationID, sends the
// payload, and returns the channel its single Result arrives on. Fails
// immediately, without sending, when not connected.
func (m *Manager) SendWithAck(ctx context.Context, correlationID string, payload []byte) (<-chan Result, error) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	disposed := m.disposed
	m.mu.Unlock()

	if disposed {
		return nil, errors.DisposedError("connection manager")
	}
	if !connected || conn == nil {
		return nil, errors.NotConnectedError(m.url)
	}

	ch := m.pending.Add(correlationID, m.opts.AckTimeout)
	if err := conn.Send(ctx, payload); err != nil {
		m.pending.Fail(correlationID, ResultClosed, err)
		return ch, nil
	}
	return ch, nil
}

// PublishEvent sends an EVENT and waits for its OK, the ack timeout, or ctx.
func (m *Manager) PublishEvent(ctx context.Context, evt *nostr.Event) (Result, error) {
	payload, err := nostr.EventEnvelope{Event: *evt}.MarshalJSON()
	if err != nil {
		return Result{}, errors.ProtocolError("EVENT", err.Error())
	}

	ch, err := m.SendWithAck(ctx, evt.ID, payload)
	if err != nil {
		return Result{}, err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-ctx.Done():
		m.pending.Fail(evt.ID, ResultClosed, ctx.Err())
		return Result{}, ctx.Err()
	}
}

// WaitUntilReady returns nil immediately when connected, otherwise blocks
// until the next successful connection, disposal, or ctx cancellation.
func (m *Manager) WaitUntilReady(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return errors.DisposedError("connection manager")
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	// Buffered so neither the connect path nor Dispose blocks on a waiter
	// that already gave up.
	ready := make(chan error, 1)
	m.readyWaiters = append(m.readyWaiters, ready)
	m.mu.Unlock()

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleDisconnect is the single failure path: any transport error, close,
// or escalated health-check timeout lands here exactly once per session.
func (m *Manager) handleDisconnect(sessionID uint64, cause error) {
	m.mu.Lock()
	if m.disposed || m.session != sessionID {
		m.mu.Unlock()
		return
	}
	m.session++
	wasConnected := m.state == StateConnected || m.state == StateAuthenticating
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateDisconnected)
	auto := m.opts.AutoReconnect
	m.mu.Unlock()

	if wasConnected {
		metrics.DecrementConnectedRelays()
	}
	m.log.Info("Disconnected from relay", zap.Error(cause))

	m.pending.FailAll(ResultClosed, errors.ConnectionClosedError(m.url))

	if auto {
		m.scheduleReconnect()
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.disposed || m.reconnectTimer != nil || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := m.opts.Backoff.Delay(attempt)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.Connect()
	})
	m.mu.Unlock()

	metrics.ReconnectAttempts.WithLabelValues(m.url).Inc()
	m.log.Debug("Reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

// ReconnectAttempts reports the current consecutive failure count.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// PendingCount reports outstanding operations awaiting acknowledgment.
func (m *Manager) PendingCount() int {
	return m.pending.Len()
}

// Dispose tears the manager down: cancels timers, closes the transport,
// fails every outstanding operation, and releases all waiters. After
// Dispose no timers remain armed and no futures stay unresolved.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.session++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	wasConnected := m.state == StateConnected || m.state == StateAuthenticating
	m.setStateLocked(StateDisconnected)
	waiters := m.readyWaiters
	m.readyWaiters = nil
	subs := m.stateSubs
	m.stateSubs = nil
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		metrics.DecrementConnectedRelays()
	}

	m.pending.FailAll(ResultDisposed, errors.DisposedError("connection manager"))

	for _, w := range waiters {
		w <- errors.DisposedError("connection manager")
	}
	for _, ch := range subs {
		close(ch)
	}

	m.log.Debug("Connection manager disposed")
}

// setStateLocked transitions state and notifies subscribers. Callers hold
// the manager lock.
func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	metrics.ConnectionStateTransitions.WithLabelValues(next.String()).Inc()
	for _, ch := range m.stateSubs {
		select {
		case ch <- next:
		default:
		}
	}
}
