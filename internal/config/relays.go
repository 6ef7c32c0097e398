package config

import "time"

// RelaysConfig holds relay connectivity settings.
type RelaysConfig struct {
	URLs []string `mapstructure:"URLS" json:"urls" validate:"required,min=1,dive,relayurl"`

	AutoReconnect     bool          `mapstructure:"AUTO_RECONNECT"     json:"auto_reconnect"`
	InitialBackoff    time.Duration `mapstructure:"INITIAL_BACKOFF"    json:"initial_backoff"    validate:"required,timeout_duration"`
	MaxBackoff        time.Duration `mapstructure:"MAX_BACKOFF"        json:"max_backoff"        validate:"required,timeout_duration"`
	BackoffMultiplier float64       `mapstructure:"BACKOFF_MULTIPLIER" json:"backoff_multiplier" validate:"required,min=1,max=10"`

	DialTimeout  time.Duration `mapstructure:"DIAL_TIMEOUT"  json:"dial_timeout"  validate:"required,timeout_duration"`
	AckTimeout   time.Duration `mapstructure:"ACK_TIMEOUT"   json:"ack_timeout"   validate:"required,timeout_duration"`
	PingInterval time.Duration `mapstructure:"PING_INTERVAL" json:"ping_interval" validate:"required,reasonable_duration"`
	PingTimeout  time.Duration `mapstructure:"PING_TIMEOUT"  json:"ping_timeout"  validate:"required,timeout_duration"`

	// Inbound flood protection per relay; zero disables the limiter.
	MaxEventsPerSecond int `mapstructure:"MAX_EVENTS_PER_SECOND" json:"max_events_per_second" validate:"min=0,max=10000"`
	BurstSize          int `mapstructure:"BURST_SIZE"            json:"burst_size"            validate:"min=0,max=10000"`
}
