package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/openvine/feedcore/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

// Config holds every sub-config.
type Config struct {
	General GeneralConfig `mapstructure:"general" validate:"required"`
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics" validate:"required"`
	Relays  RelaysConfig  `mapstructure:"relays"  validate:"required"`
	Feed    FeedConfig    `mapstructure:"feed"    validate:"required"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

func init() {
	registerCustomValidators()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)

		if err := validate.Struct(cfg.Logging); err != nil {
			sl.ReportError(cfg.Logging, "Logging", "Logging", "required", "")
		}
		if err := validate.Struct(cfg.Metrics); err != nil {
			sl.ReportError(cfg.Metrics, "Metrics", "Metrics", "required", "")
		}
		if err := validate.Struct(cfg.Relays); err != nil {
			sl.ReportError(cfg.Relays, "Relays", "Relays", "required", "")
		}
		if err := validate.Struct(cfg.Feed); err != nil {
			sl.ReportError(cfg.Feed, "Feed", "Feed", "required", "")
		}

		performCrossFieldValidation(sl, cfg)
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// Relay endpoints must be websocket URLs
	if err := validate.RegisterValidation("relayurl", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		parsed, err := url.Parse(raw)
		if err != nil {
			return false
		}
		return (parsed.Scheme == "ws" || parsed.Scheme == "wss") && parsed.Host != ""
	}); err != nil {
		logger.Error("Failed to register relayurl validator", zap.Error(err))
	}

	// Public keys are 64-character hex strings
	if err := validate.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" {
			return true // Optional field
		}
		if len(key) != 64 {
			return false
		}
		matched, _ := regexp.MatchString(`^[a-fA-F0-9]{64}$`, key)
		return matched
	}); err != nil {
		logger.Error("Failed to register pubkey validator", zap.Error(err))
	}

	// Timeouts should be short
	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		return duration >= time.Second && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	// Intervals should be between 1 second and 24 hours
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		return duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		level := fl.Field().String()
		for _, valid := range []string{"debug", "info", "warn", "error", "fatal"} {
			if level == valid {
				return true
			}
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	// Ping timeout must leave room inside the ping interval, otherwise a
	// second ping would fire while the first is still awaiting its pong
	if cfg.Relays.PingTimeout >= cfg.Relays.PingInterval {
		sl.ReportError(cfg.Relays.PingTimeout, "PingTimeout", "PingTimeout", "ping_timeout_too_long", "")
	}

	// Backoff bounds must be ordered
	if cfg.Relays.InitialBackoff > cfg.Relays.MaxBackoff {
		sl.ReportError(cfg.Relays.InitialBackoff, "InitialBackoff", "InitialBackoff", "backoff_bounds_inverted", "")
	}

	// The archive needs a connection string when it is enabled
	if cfg.Archive.Enabled && cfg.Archive.URL == "" {
		sl.ReportError(cfg.Archive.URL, "URL", "URL", "archive_url_required", "")
	}
}

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FEEDCORE") // FEEDCORE_RELAYS_PING_INTERVAL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else {
			if log != nil {
				log.Info("Loaded config.yaml from current directory")
			}
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.Int("relay_count", len(cfg.Relays.URLs)),
		)
	}
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("feedcore"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string

		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}

		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	tag := fe.Tag()
	param := fe.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "relayurl":
		return fmt.Sprintf("%s must be a ws:// or wss:// URL (got: %v)", field, value)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character hexadecimal string (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "ping_timeout_too_long":
		return "relay ping timeout must be shorter than the ping interval"
	case "backoff_bounds_inverted":
		return "relay initial backoff must not exceed the maximum backoff"
	case "archive_url_required":
		return "archive is enabled but no database URL is configured"
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, tag, value)
	}
}
