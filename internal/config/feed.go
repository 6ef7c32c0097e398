package config

import "time"

// FeedConfig holds settings for the event cache and subscription coordinator.
type FeedConfig struct {
	CacheCapacity int `mapstructure:"CACHE_CAPACITY" json:"cache_capacity" validate:"required,min=10,max=100000"`

	// FeaturedAuthors is the allow-list of privileged pubkeys whose events
	// occupy the featured prefix of the cache.
	FeaturedAuthors []string `mapstructure:"FEATURED_AUTHORS" json:"featured_authors" validate:"dive,pubkey"`

	// BrokenHosts lists media hosts whose URLs are treated as unusable.
	BrokenHosts []string `mapstructure:"BROKEN_HOSTS" json:"broken_hosts"`

	// BlockedAuthors are dropped during classification.
	BlockedAuthors []string `mapstructure:"BLOCKED_AUTHORS" json:"blocked_authors" validate:"dive,pubkey"`

	// IncludeVideoKind also subscribes to long-form video events by default.
	IncludeVideoKind bool `mapstructure:"INCLUDE_VIDEO_KIND" json:"include_video_kind"`

	DefaultLimit            int           `mapstructure:"DEFAULT_LIMIT"              json:"default_limit"              validate:"required,min=1,max=5000"`
	ReplaySettleDelay       time.Duration `mapstructure:"REPLAY_SETTLE_DELAY"        json:"replay_settle_delay"`
	OfflineRetryInterval    time.Duration `mapstructure:"OFFLINE_RETRY_INTERVAL"     json:"offline_retry_interval"     validate:"required,timeout_duration"`
	OfflineRetryMaxAttempts int           `mapstructure:"OFFLINE_RETRY_MAX_ATTEMPTS" json:"offline_retry_max_attempts" validate:"required,min=1,max=1000"`
}
