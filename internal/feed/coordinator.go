package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/openvine/feedcore/internal/connection"
	"github.com/openvine/feedcore/internal/constants"
	"github.com/openvine/feedcore/internal/domain"
	"github.com/openvine/feedcore/internal/errors"
	"github.com/openvine/feedcore/internal/logger"
	"github.com/openvine/feedcore/internal/metrics"
	"go.uber.org/zap"
)

// Sink receives every event the classification pipeline admits, after the
// cache has accepted it. Optional; used for archival fan-out.
type Sink interface {
	StoreEvent(evt *nostr.Event)
}

// CoordinatorOptions tune the subscription coordinator.
type CoordinatorOptions struct {
	FeaturedAuthors []string
	IncludeReposts  bool
	Blocked         domain.BlockFunc

	ReplaySettleDelay    time.Duration
	OfflineRetryInterval time.Duration
	OfflineRetryMax      int
	OneShotTimeout       time.Duration
}

// Coordinator owns the feed subscription across every relay in the pool:
// it issues and cancels REQs, classifies inbound events into the cache,
// replays the active subscription after reconnects, and retries when all
// relays are offline.
type Coordinator struct {
	pool  *connection.Pool
	cache *EventCache
	sink  Sink
	opts  CoordinatorOptions
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	featured map[string]bool

	mu            sync.Mutex
	current       SubscriptionParameters
	subID         string
	isSubscribed  bool
	isLoading     bool
	lastErr       error
	oneShots      map[string]int // one-shot sub id -> relays still before EOSE
	oneShotTimers map[string]*time.Timer
	replayTimer   *time.Timer
	retryTimer    *time.Timer
	retries       int
	disposed      bool
}

// NewCoordinator wires a coordinator to its pool and cache. It installs
// itself as the pool's stream handler and reconnect listener.
func NewCoordinator(pool *connection.Pool, cache *EventCache, opts CoordinatorOptions) *Coordinator {
	if opts.ReplaySettleDelay <= 0 {
		opts.ReplaySettleDelay = constants.ReplaySettleDelay
	}
	if opts.OfflineRetryInterval <= 0 {
		opts.OfflineRetryInterval = constants.OfflineRetryInterval
	}
	if opts.OfflineRetryMax <= 0 {
		opts.OfflineRetryMax = constants.OfflineRetryMaxAttempts
	}
	if opts.OneShotTimeout <= 0 {
		opts.OneShotTimeout = constants.OneShotQueryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		pool:          pool,
		cache:         cache,
		opts:          opts,
		log:           logger.New("coordinator"),
		ctx:           ctx,
		cancel:        cancel,
		featured:      make(map[string]bool, len(opts.FeaturedAuthors)),
		oneShots:      make(map[string]int),
		oneShotTimers: make(map[string]*time.Timer),
	}
	for _, a := range opts.FeaturedAuthors {
		c.featured[a] = true
	}

	pool.SetStreamHandler(c)
	pool.OnReady(c.onRelayReady)
	return c
}

// SetSink installs an optional consumer of admitted events.
func (c *Coordinator) SetSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
}

// Subscribe opens the feed subscription on every connected relay. Ignored
// when a subscribe is already in flight or when already subscribed with
// equal parameters. With replace set, any existing subscription is
// cancelled first.
func (c *Coordinator) Subscribe(params SubscriptionParameters, replace bool) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errors.DisposedError("subscription coordinator")
	}
	if c.isLoading {
		c.mu.Unlock()
		c.log.Debug("Subscribe ignored, another is in flight")
		return nil
	}
	if c.isSubscribed && c.current.Equal(params) {
		c.mu.Unlock()
		c.log.Debug("Subscribe ignored, parameters unchanged")
		return nil
	}
	c.isLoading = true
	c.mu.Unlock()

	err := c.doSubscribe(params, replace)

	c.mu.Lock()
	c.isLoading = false
	c.lastErr = err
	c.mu.Unlock()
	return err
}

func (c *Coordinator) doSubscribe(params SubscriptionParameters, replace bool) error {
	if replace {
		c.cancelSubscription()
	}

	if err := c.issueSubscription(params); err != nil {
		if errors.IsConnectivity(err) {
			// Remember what was asked for so retry-when-offline can
			// re-attempt it without caller involvement.
			c.mu.Lock()
			c.current = params
			c.mu.Unlock()
			c.scheduleOfflineRetry()
		}
		return err
	}

	c.mu.Lock()
	c.current = params
	c.isSubscribed = true
	c.stopOfflineRetryLocked()
	c.mu.Unlock()

	metrics.ActiveSubscriptions.Set(1)
	return nil
}

// issueSubscription sends one REQ per connected relay under a fresh
// subscription id. Partial delivery counts as success; relays that missed
// it catch up through reconnect replay.
func (c *Coordinator) issueSubscription(params SubscriptionParameters) error {
	connected := c.pool.Connected()
	if len(connected) == 0 {
		return errors.NoRelaysError()
	}

	filter := BuildFilter(params)
	if c.opts.IncludeReposts {
		filter.Kinds = append(filter.Kinds, constants.KindRepost)
	}

	subID := uuid.NewString()
	payload, err := nostr.ReqEnvelope{
		SubscriptionID: subID,
		Filters:        nostr.Filters{filter},
	}.MarshalJSON()
	if err != nil {
		return errors.ProtocolError("REQ", err.Error())
	}

	sent := 0
	var lastErr error
	for _, m := range connected {
		if err := m.Send(c.ctx, payload); err != nil {
			lastErr = err
			c.log.Debug("REQ failed", zap.String("relay", m.URL()), zap.Error(err))
			continue
		}
		sent++
	}
	if sent == 0 {
		if lastErr != nil {
			return lastErr
		}
		return errors.NoRelaysError()
	}

	c.mu.Lock()
	c.subID = subID
	c.mu.Unlock()

	c.log.Info("Subscription issued",
		zap.String("subscription_id", subID),
		zap.Int("relays", sent))
	return nil
}

// Unsubscribe cancels the active subscription on every relay and clears
// the coordinator's subscription state. The cache is left intact.
func (c *Coordinator) Unsubscribe() {
	c.mu.Lock()
	c.stopOfflineRetryLocked()
	if c.replayTimer != nil {
		c.replayTimer.Stop()
		c.replayTimer = nil
	}
	c.mu.Unlock()

	c.cancelSubscription()

	c.mu.Lock()
	c.isSubscribed = false
	c.current = SubscriptionParameters{}
	c.mu.Unlock()

	metrics.ActiveSubscriptions.Set(0)
	c.log.Info("Unsubscribed")
}

// cancelSubscription sends CLOSE for the active subscription id, if any.
func (c *Coordinator) cancelSubscription() {
	c.mu.Lock()
	subID := c.subID
	c.subID = ""
	c.mu.Unlock()
	if subID == "" {
		return
	}

	payload, err := nostr.CloseEnvelope(subID).MarshalJSON()
	if err != nil {
		return
	}
	for _, m := range c.pool.Connected() {
		if err := m.Send(c.ctx, payload); err != nil {
			c.log.Debug("CLOSE failed", zap.String("relay", m.URL()), zap.Error(err))
		}
	}
}

// LoadMore issues a one-shot query for up to limit events older than the
// oldest cached entry. Results flow through the normal classification
// pipeline; the query closes itself on EOSE.
func (c *Coordinator) LoadMore(limit int) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errors.DisposedError("subscription coordinator")
	}
	if !c.isSubscribed {
		c.mu.Unlock()
		return errors.SubscriptionError("no active subscription to extend")
	}
	params := c.current
	c.mu.Unlock()

	if limit <= 0 {
		limit = constants.DefaultFeedLimit
	}
	params.Limit = limit
	if oldest := c.oldestCreatedAt(); oldest > 0 {
		until := time.Unix(oldest-1, 0)
		params.Until = &until
	}

	filter := BuildFilter(params)
	if c.opts.IncludeReposts {
		filter.Kinds = append(filter.Kinds, constants.KindRepost)
	}

	subID := uuid.NewString()
	payload, err := nostr.ReqEnvelope{
		SubscriptionID: subID,
		Filters:        nostr.Filters{filter},
	}.MarshalJSON()
	if err != nil {
		return errors.ProtocolError("REQ", err.Error())
	}

	connected := c.pool.Connected()
	if len(connected) == 0 {
		return errors.NoRelaysError()
	}

	sent := 0
	for _, m := range connected {
		if err := m.Send(c.ctx, payload); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return errors.NoRelaysError()
	}

	c.mu.Lock()
	c.oneShots[subID] = sent
	c.oneShotTimers[subID] = time.AfterFunc(c.opts.OneShotTimeout, func() {
		c.expireOneShot(subID)
	})
	c.mu.Unlock()

	c.log.Debug("Load-more query issued",
		zap.String("subscription_id", subID),
		zap.Int("limit", limit))
	return nil
}

func (c *Coordinator) oldestCreatedAt() int64 {
	var oldest int64
	for _, e := range c.cache.Events() {
		if oldest == 0 || e.CreatedAt() < oldest {
			oldest = e.CreatedAt()
		}
	}
	return oldest
}

// Refresh drops the cache, including its duplicate memory, and re-issues
// the active subscription so the feed rebuilds from scratch.
func (c *Coordinator) Refresh() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errors.DisposedError("subscription coordinator")
	}
	params := c.current
	subscribed := c.isSubscribed
	c.isSubscribed = false
	c.mu.Unlock()

	c.cache.Reset()
	if !subscribed {
		return nil
	}
	return c.Subscribe(params, true)
}

// HandleEvent classifies one inbound content event and, if it survives,
// admits it to the cache.
func (c *Coordinator) HandleEvent(relayURL, subID string, evt *nostr.Event) {
	if !c.knownSubscription(subID) {
		return
	}
	metrics.EventsReceived.WithLabelValues(kindLabel(evt.Kind)).Inc()

	c.mu.Lock()
	params := c.current
	blocked := c.opts.Blocked
	sink := c.sink
	c.mu.Unlock()

	switch evt.Kind {
	case constants.KindShortVideo:
	case constants.KindVideo:
		if !params.IncludeVideoKind {
			metrics.EventsRejected.WithLabelValues("kind").Inc()
			return
		}
	case constants.KindRepost:
		if !c.opts.IncludeReposts {
			metrics.EventsRejected.WithLabelValues("kind").Inc()
			return
		}
	default:
		metrics.EventsRejected.WithLabelValues("kind").Inc()
		return
	}

	if blocked != nil && blocked(evt) {
		metrics.EventsRejected.WithLabelValues("blocked").Inc()
		return
	}

	ce := NewContentEvent(evt, c.featured)

	if len(params.Hashtags) > 0 && !hasAnyHashtag(ce, params.Hashtags) {
		metrics.EventsRejected.WithLabelValues("hashtag").Inc()
		return
	}
	if params.Group != "" && ce.Group() != params.Group {
		metrics.EventsRejected.WithLabelValues("group").Inc()
		return
	}

	if c.cache.Add(ce) && sink != nil {
		sink.StoreEvent(evt)
	}
}

// HandleEOSE closes a completed one-shot query on the signalling relay.
func (c *Coordinator) HandleEOSE(relayURL, subID string) {
	c.mu.Lock()
	remaining, isOneShot := c.oneShots[subID]
	if isOneShot {
		remaining--
		if remaining <= 0 {
			delete(c.oneShots, subID)
			if t := c.oneShotTimers[subID]; t != nil {
				t.Stop()
				delete(c.oneShotTimers, subID)
			}
		} else {
			c.oneShots[subID] = remaining
		}
	}
	c.mu.Unlock()
	if !isOneShot {
		return
	}

	if payload, err := nostr.CloseEnvelope(subID).MarshalJSON(); err == nil {
		if m := c.pool.GetConnection(relayURL); m != nil {
			_ = m.Send(c.ctx, payload)
		}
	}
}

// expireOneShot abandons a historical query whose relays never reported
// end of stored events. Events that did arrive stay in the cache.
func (c *Coordinator) expireOneShot(subID string) {
	c.mu.Lock()
	_, live := c.oneShots[subID]
	delete(c.oneShots, subID)
	delete(c.oneShotTimers, subID)
	disposed := c.disposed
	c.mu.Unlock()
	if !live || disposed {
		return
	}

	c.log.Warn("Load-more query timed out", zap.String("subscription_id", subID))
	if payload, err := nostr.CloseEnvelope(subID).MarshalJSON(); err == nil {
		for _, m := range c.pool.Connected() {
			_ = m.Send(c.ctx, payload)
		}
	}
}

// HandleClosed logs a relay-side subscription close. The subscription is
// re-established by reconnect replay when the relay comes back.
func (c *Coordinator) HandleClosed(relayURL, subID, reason string) {
	c.log.Warn("Relay closed subscription",
		zap.String("relay", relayURL),
		zap.String("subscription_id", subID),
		zap.String("reason", reason))
}

func (c *Coordinator) knownSubscription(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subID == c.subID {
		return true
	}
	_, ok := c.oneShots[subID]
	return ok
}

func hasAnyHashtag(e *ContentEvent, wanted []string) bool {
	tags := e.Hashtags()
	for _, w := range wanted {
		for _, t := range tags {
			if t == w {
				return true
			}
		}
	}
	return false
}

// onRelayReady fires on every successful relay connect. After the first
// connect it is a no-op (nothing to replay); after a reconnect it re-issues
// the active subscription once the transport has settled. Multiple relays
// reconnecting inside the settle window share one replay.
func (c *Coordinator) onRelayReady(relayURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || !c.isSubscribed || c.replayTimer != nil {
		return
	}
	c.replayTimer = time.AfterFunc(c.opts.ReplaySettleDelay, c.replay)
	c.log.Debug("Subscription replay scheduled", zap.String("relay", relayURL))
}

func (c *Coordinator) replay() {
	c.mu.Lock()
	c.replayTimer = nil
	if c.disposed || !c.isSubscribed {
		c.mu.Unlock()
		return
	}
	params := c.current
	c.mu.Unlock()

	c.cancelSubscription()
	if err := c.issueSubscription(params); err != nil {
		c.log.Warn("Subscription replay failed", zap.Error(err))
		if errors.IsConnectivity(err) {
			c.scheduleOfflineRetry()
		}
		return
	}
	metrics.SubscriptionReplays.Inc()
	c.log.Info("Subscription replayed")
}

// scheduleOfflineRetry arms the periodic re-subscribe attempt used when no
// relay is reachable. Bounded; gives up after the configured attempt count.
func (c *Coordinator) scheduleOfflineRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.retryTimer != nil {
		return
	}
	if c.retries >= c.opts.OfflineRetryMax {
		c.log.Warn("Giving up on offline retries", zap.Int("attempts", c.retries))
		return
	}
	c.retries++
	c.retryTimer = time.AfterFunc(c.opts.OfflineRetryInterval, c.offlineRetry)
}

func (c *Coordinator) offlineRetry() {
	c.mu.Lock()
	c.retryTimer = nil
	if c.disposed {
		c.mu.Unlock()
		return
	}
	params := c.current
	attempt := c.retries
	c.mu.Unlock()

	metrics.OfflineRetries.Inc()
	c.log.Debug("Retrying subscription while offline", zap.Int("attempt", attempt))

	if err := c.doSubscribe(params, false); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.retries = 0
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Coordinator) stopOfflineRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retries = 0
}

// Events returns the cache contents in priority order.
func (c *Coordinator) Events() []*ContentEvent { return c.cache.Events() }

// EventCount reports the number of cached events.
func (c *Coordinator) EventCount() int { return c.cache.Len() }

// IsLoading reports whether a subscribe is in flight.
func (c *Coordinator) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLoading
}

// IsSubscribed reports whether a subscription is active.
func (c *Coordinator) IsSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSubscribed
}

// LastError returns the most recent subscribe failure, or nil.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConnectedRelayCount reports how many pool relays are connected.
func (c *Coordinator) ConnectedRelayCount() int { return c.pool.ConnectedCount() }

// AllConnected reports whether every pool relay is connected.
func (c *Coordinator) AllConnected() bool { return c.pool.AllConnected() }

// Dispose cancels all timers and the active subscription. The cache stays
// readable.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	if c.replayTimer != nil {
		c.replayTimer.Stop()
		c.replayTimer = nil
	}
	for id, t := range c.oneShotTimers {
		t.Stop()
		delete(c.oneShotTimers, id)
	}
	c.stopOfflineRetryLocked()
	c.isSubscribed = false
	c.mu.Unlock()

	c.cancelSubscription()
	c.cancel()
	metrics.ActiveSubscriptions.Set(0)
	c.log.Debug("Coordinator disposed")
}

func kindLabel(kind int) string {
	switch kind {
	case constants.KindShortVideo:
		return "short_video"
	case constants.KindVideo:
		return "video"
	case constants.KindRepost:
		return "repost"
	default:
		return "other"
	}
}
