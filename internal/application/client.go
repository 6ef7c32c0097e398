package application

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/openvine/feedcore/internal/archive"
	"github.com/openvine/feedcore/internal/config"
	"github.com/openvine/feedcore/internal/connection"
	"github.com/openvine/feedcore/internal/domain"
	apperrors "github.com/openvine/feedcore/internal/errors"
	"github.com/openvine/feedcore/internal/feed"
	"github.com/openvine/feedcore/internal/health"
	"github.com/openvine/feedcore/internal/identity"
	"github.com/openvine/feedcore/internal/logger"
	"github.com/openvine/feedcore/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Client is the composition root: it owns the relay pool, the feed
// coordinator and its cache, the optional event archive, and the
// metrics/health HTTP endpoint.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg         *config.Config
	identity    *identity.ClientIdentity
	pool        *connection.Pool
	cache       *feed.EventCache
	coordinator *feed.Coordinator
	archive     *archive.Archive
	checker     *health.Checker
	httpServer  *http.Server
	log         *zap.Logger
	startTime   time.Time
}

// New assembles a Client from configuration. Nothing connects until Start.
func New(ctx context.Context, cfg *config.Config, version string) (*Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	log := logger.New("client")

	id, err := identity.GetOrCreate(cfg.General.DataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load client identity: %w", err)
	}
	log.Info("Client identity loaded", zap.String("pubkey", id.PublicKey))

	factory := transport.NewFactory(cfg.Relays.DialTimeout)
	pool := connection.NewPool(factory, id, connection.Options{
		AutoReconnect: cfg.Relays.AutoReconnect,
		Backoff: connection.Backoff{
			Initial:    cfg.Relays.InitialBackoff,
			Max:        cfg.Relays.MaxBackoff,
			Multiplier: cfg.Relays.BackoffMultiplier,
		},
		DialTimeout:        cfg.Relays.DialTimeout,
		AckTimeout:         cfg.Relays.AckTimeout,
		PingInterval:       cfg.Relays.PingInterval,
		PingTimeout:        cfg.Relays.PingTimeout,
		MaxEventsPerSecond: cfg.Relays.MaxEventsPerSecond,
		BurstSize:          cfg.Relays.BurstSize,
	})
	for _, relayURL := range cfg.Relays.URLs {
		pool.CreateConnection(relayURL)
	}

	cache := feed.NewEventCache(cfg.Feed.CacheCapacity, validityPredicate(cfg.Feed.BrokenHosts))
	coordinator := feed.NewCoordinator(pool, cache, feed.CoordinatorOptions{
		FeaturedAuthors:      cfg.Feed.FeaturedAuthors,
		Blocked:              blockPredicate(cfg.Feed.BlockedAuthors),
		ReplaySettleDelay:    cfg.Feed.ReplaySettleDelay,
		OfflineRetryInterval: cfg.Feed.OfflineRetryInterval,
		OfflineRetryMax:      cfg.Feed.OfflineRetryMaxAttempts,
	})

	c := &Client{
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		identity:    id,
		pool:        pool,
		cache:       cache,
		coordinator: coordinator,
		log:         log,
		startTime:   time.Now(),
	}

	if cfg.Archive.Enabled {
		arch, err := archive.Open(ctx, cfg.Archive.URL)
		if err != nil {
			cancel()
			pool.DisposeAll()
			return nil, err
		}
		c.archive = arch
		coordinator.SetSink(arch)
	}

	var archiveStatus health.ArchiveStatus
	if c.archive != nil {
		archiveStatus = c.archive
	}
	c.checker = health.NewChecker(pool, coordinator, archiveStatus, version)

	return c, nil
}

// validityPredicate rejects events with no retrievable primary asset URL
// or with an asset hosted on a known-broken host.
func validityPredicate(brokenHosts []string) domain.ValidityFunc {
	broken := make(map[string]bool, len(brokenHosts))
	for _, h := range brokenHosts {
		broken[h] = true
	}
	return func(evt *nostr.Event) bool {
		asset := feed.PrimaryAssetURL(evt)
		if asset == "" {
			return false
		}
		u, err := url.Parse(asset)
		if err != nil {
			return false
		}
		return !broken[u.Hostname()]
	}
}

func blockPredicate(blockedAuthors []string) domain.BlockFunc {
	blocked := make(map[string]bool, len(blockedAuthors))
	for _, a := range blockedAuthors {
		blocked[a] = true
	}
	return func(evt *nostr.Event) bool {
		return blocked[evt.PubKey]
	}
}

// Start connects every configured relay and, when enabled, serves the
// metrics and health endpoint.
func (c *Client) Start() error {
	c.pool.ConnectAll()

	if c.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", c.checker.HandleHealth)

		c.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", c.cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			c.log.Info("Metrics endpoint listening", zap.Int("port", c.cfg.Metrics.Port))
			if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.log.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	c.log.Info("Client started", zap.Int("relays", c.pool.ConnectionCount()))
	return nil
}

// Subscribe opens the feed subscription with the given parameters.
func (c *Client) Subscribe(params feed.SubscriptionParameters) error {
	return c.coordinator.Subscribe(params, true)
}

// Unsubscribe cancels the active subscription.
func (c *Client) Unsubscribe() { c.coordinator.Unsubscribe() }

// LoadMore fetches up to limit events older than the current feed tail.
func (c *Client) LoadMore(limit int) error { return c.coordinator.LoadMore(limit) }

// Refresh rebuilds the feed from scratch.
func (c *Client) Refresh() error { return c.coordinator.Refresh() }

// Events returns the cached feed in priority order.
func (c *Client) Events() []*feed.ContentEvent { return c.coordinator.Events() }

// Publish signs an event with the client identity and sends it to every
// connected relay, returning the first acknowledgment received.
func (c *Client) Publish(ctx context.Context, evt *nostr.Event) (connection.Result, error) {
	if evt.PubKey == "" {
		evt.PubKey = c.identity.PublicKey
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if err := c.identity.Sign(evt); err != nil {
		return connection.Result{}, err
	}

	connected := c.pool.Connected()
	if len(connected) == 0 {
		return connection.Result{}, apperrors.NoRelaysError()
	}

	var lastErr error
	for _, m := range connected {
		res, err := m.PublishEvent(ctx, evt)
		if err != nil {
			lastErr = err
			continue
		}
		return res, nil
	}
	return connection.Result{}, lastErr
}

// WaitUntilReady blocks until at least one relay is connected.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	c.pool.OnReady(func(string) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	if c.pool.ConnectedCount() > 0 {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator exposes the subscription coordinator for status consumers.
func (c *Client) Coordinator() *feed.Coordinator { return c.coordinator }

// Pool exposes the connection pool for diagnostics.
func (c *Client) Pool() *connection.Pool { return c.pool }

// Health runs a full health check.
func (c *Client) Health(ctx context.Context) *health.Response {
	return c.checker.Check(ctx)
}

// Shutdown tears everything down in dependency order: subscription first,
// then connections, archive, and the HTTP endpoint.
func (c *Client) Shutdown() {
	c.log.Info("Initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.coordinator.Dispose()
	c.pool.DisposeAll()

	if c.archive != nil {
		c.archive.Close()
	}

	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(shutdownCtx); err != nil {
			c.log.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}

	c.cancel()
	c.log.Info("Shutdown complete", zap.Duration("uptime", time.Since(c.startTime)))
}
