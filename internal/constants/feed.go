package constants

import "time"

// Event kinds the feed core understands (NIP-71 video events).
const (
	// KindShortVideo is the primary short-form video kind
	KindShortVideo = 22
	// KindVideo is the long-form video kind, included only when a
	// subscription opts in
	KindVideo = 21
	// KindRepost is the generic repost kind (NIP-18); reposts are skipped
	// unless the coordinator is configured to include them
	KindRepost = 16
	// KindClientAuth is the NIP-42 authentication event kind
	KindClientAuth = 22242
)

// Tag names used by the classification pipeline.
const (
	// TagHashtag carries a single hashtag value
	TagHashtag = "t"
	// TagGroup carries the group (community) identifier
	TagGroup = "h"
	// TagURL carries a direct media URL
	TagURL = "url"
	// TagIMeta carries inline media metadata (NIP-92), including the URL
	TagIMeta = "imeta"
)

// Connection state machine defaults.
const (
	// AckTimeout bounds how long a published event may wait for its OK
	AckTimeout = 30 * time.Second
	// PingTimeout bounds how long a keep-alive ping may wait for its pong
	// before the socket is treated as dead
	PingTimeout = 5 * time.Second
	// PingInterval is the default keep-alive cadence
	PingInterval = 15 * time.Second
	// ReconnectInitialDelay is the first reconnect backoff step
	ReconnectInitialDelay = time.Second
	// ReconnectMaxDelay caps the reconnect backoff
	ReconnectMaxDelay = 30 * time.Second
	// ReconnectMultiplier doubles the delay per failed attempt
	ReconnectMultiplier = 2.0
	// DialTimeout bounds the websocket handshake
	DialTimeout = 10 * time.Second
)

// Subscription coordinator defaults.
const (
	// DefaultFeedLimit is the per-filter event limit when none is given
	DefaultFeedLimit = 200
	// DefaultCacheCapacity bounds the in-memory event cache
	DefaultCacheCapacity = 500
	// ReplaySettleDelay lets transport cleanup finish before subscriptions
	// are replayed onto a freshly reconnected relay
	ReplaySettleDelay = 500 * time.Millisecond
	// OfflineRetryInterval is the cadence of retry-when-offline attempts
	OfflineRetryInterval = 10 * time.Second
	// OfflineRetryMaxAttempts bounds retry-when-offline
	OfflineRetryMaxAttempts = 30
	// OneShotQueryTimeout abandons a historical query whose relays never
	// report end-of-stored-events
	OneShotQueryTimeout = 30 * time.Second
)

// Duplicate telemetry thresholds. Tunable; they only shape log volume.
const (
	// DuplicateLogInterval is the minimum spacing between duplicate-rate
	// log lines
	DuplicateLogInterval = 30 * time.Second
	// DuplicateLogBurst allows a short initial burst of duplicate logs
	DuplicateLogBurst = 3
)

// Seen-filter sizing: one session's worth of event ids with a low false
// positive rate. A false positive only suppresses one redundant re-admit.
const (
	SeenFilterCapacity = 1_000_000
	SeenFilterFPRate   = 0.001
)

// Archive database pool sizing.
const (
	ArchivePoolMaxConns       = 4
	ArchivePoolMinConns       = 1
	ArchiveConnMaxLifetime    = 30 * time.Minute
	ArchiveConnMaxIdleTime    = 5 * time.Minute
	ArchiveConnAcquireTimeout = 10 * time.Second
	ArchiveInsertTimeout      = 5 * time.Second
)
