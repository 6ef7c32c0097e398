package config

// MetricsConfig holds metrics and health endpoint settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"ENABLED" json:"enabled"`
	Port    int  `mapstructure:"PORT"    json:"port"    validate:"required,min=1024,max=65535"`
}

// GeneralConfig holds settings that don't belong to a single subsystem.
type GeneralConfig struct {
	// DataDir is where the client identity key is stored. Empty means the
	// user's home directory.
	DataDir string `mapstructure:"DATA_DIR" json:"data_dir"`
}

// ArchiveConfig holds settings for the optional local event archive.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"ENABLED" json:"enabled"`
	URL     string `mapstructure:"URL"     json:"url"     validate:"omitempty"`
}
