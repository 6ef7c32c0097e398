package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/openvine/feedcore/internal/constants"
	"github.com/openvine/feedcore/internal/errors"
	"github.com/openvine/feedcore/internal/logger"
	"github.com/openvine/feedcore/internal/metrics"
	"github.com/openvine/feedcore/internal/workers"
	"go.uber.org/zap"
)

const createSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	kind       INT NOT NULL,
	tags       JSONB NOT NULL,
	content    TEXT NOT NULL,
	sig        TEXT NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS events_pubkey_idx ON events (pubkey);
CREATE INDEX IF NOT EXISTS events_kind_created_idx ON events (kind, created_at DESC);
`

const insertEvent = `
INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING
`

// Archive persists admitted feed events to a local Postgres database.
// Writes are asynchronous through a small worker pool so the classification
// pipeline never blocks on the database.
type Archive struct {
	pool    *pgxpool.Pool
	writers *workers.Pool
	log     *zap.Logger

	closeMu sync.Mutex
	closed  bool
}

// Open connects to the archive database with retries, ensures the schema,
// and starts the write workers.
func Open(ctx context.Context, dbURI string) (*Archive, error) {
	log := logger.New("archive")

	cfg, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, errors.ArchiveError("parse_config", err)
	}
	cfg.MaxConns = constants.ArchivePoolMaxConns
	cfg.MinConns = constants.ArchivePoolMinConns
	cfg.MaxConnLifetime = constants.ArchiveConnMaxLifetime
	cfg.MaxConnIdleTime = constants.ArchiveConnMaxIdleTime
	cfg.ConnConfig.ConnectTimeout = constants.ArchiveConnAcquireTimeout

	var pool *pgxpool.Pool
	backoff := 2 * time.Second
	for attempt := 1; ; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if attempt >= 5 {
			return nil, errors.ArchiveError("connect",
				fmt.Errorf("failed after %d attempts: %w", attempt, err))
		}
		log.Warn("Archive database unreachable, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.ArchiveError("connect", ctx.Err())
		}
		backoff *= 2
	}

	if _, err := pool.Exec(ctx, createSchema); err != nil {
		pool.Close()
		return nil, errors.ArchiveError("migrate", err)
	}

	log.Info("Archive database connected",
		zap.Int32("max_connections", pool.Stat().MaxConns()))

	return &Archive{
		pool:    pool,
		writers: workers.NewPool(2, 256),
		log:     log,
	}, nil
}

// StoreEvent queues one event for insertion. Duplicates are settled by the
// database, not here; a full write queue drops the event with a metric.
func (a *Archive) StoreEvent(evt *nostr.Event) {
	accepted := a.writers.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.ArchiveInsertTimeout)
		defer cancel()

		tags, err := json.Marshal(evt.Tags)
		if err != nil {
			metrics.ArchiveInserts.WithLabelValues("error").Inc()
			return
		}
		_, err = a.pool.Exec(ctx, insertEvent,
			evt.ID, evt.PubKey, int64(evt.CreatedAt), evt.Kind,
			tags, evt.Content, evt.Sig)
		if err != nil {
			metrics.ArchiveInserts.WithLabelValues("error").Inc()
			a.log.Debug("Archive insert failed",
				zap.String("id", evt.ID),
				zap.Error(err))
			return
		}
		metrics.ArchiveInserts.WithLabelValues("success").Inc()
	})
	if !accepted {
		metrics.ArchiveInserts.WithLabelValues("dropped").Inc()
	}
}

// CountEvents reports how many events the archive holds.
func (a *Archive) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := a.pool.QueryRow(ctx, `SELECT count(*) FROM events`).Scan(&n); err != nil {
		return 0, errors.ArchiveError("count", err)
	}
	return n, nil
}

// Ping checks archive database connectivity.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close drains pending writes and releases the pool.
func (a *Archive) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.writers.Stop()
	a.pool.Close()
	a.log.Debug("Archive closed")
}
