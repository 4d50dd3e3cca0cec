package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"image-compressor-go/internal/progress"
)

// Config represents the main configuration structure
type Config struct {
	Compression CompressionConfig `mapstructure:"compression"`
	History     HistoryConfig     `mapstructure:"history"`
	Server      ServerConfig      `mapstructure:"server"`
	Inspect     InspectConfig     `mapstructure:"inspect"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains the session and encoder settings
type CompressionConfig struct {
	DefaultQuality      float64       `mapstructure:"default_quality" validate:"gte=0.1,lte=0.9"`
	MaxDimension        int           `mapstructure:"max_dimension" validate:"gt=0"`
	UseBackgroundWorker bool          `mapstructure:"use_background_worker"`
	SecondsPerMB        float64       `mapstructure:"seconds_per_mb" validate:"gt=0"`
	MinEstimateSeconds  int           `mapstructure:"min_estimate_seconds" validate:"gt=0"`
	MaxRunningPercent   int           `mapstructure:"max_running_percent" validate:"gt=0,lt=100"`
	TickInterval        time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	DisplayHold         time.Duration `mapstructure:"display_hold" validate:"gte=0"`
	OutputDirectory     string        `mapstructure:"output_directory"`
}

// HistoryConfig contains history storage settings
type HistoryConfig struct {
	Limit   int    `mapstructure:"limit" validate:"gt=0"`
	Key     string `mapstructure:"key" validate:"required"`
	Backend string `mapstructure:"backend" validate:"oneof=memory file sqlite"`
	Path    string `mapstructure:"path" validate:"required_unless=Backend memory"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Port           int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes" validate:"gt=0"`
}

// InspectConfig contains metadata inspection settings
type InspectConfig struct {
	UseExiftool bool `mapstructure:"use_exiftool"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Compression: CompressionConfig{
			DefaultQuality:      progress.DefaultQuality,
			MaxDimension:        progress.DefaultMaxDimension,
			UseBackgroundWorker: true,
			SecondsPerMB:        progress.DefaultSecondsPerMB,
			MinEstimateSeconds:  progress.DefaultMinEstimateSeconds,
			MaxRunningPercent:   progress.DefaultMaxRunningPercent,
			TickInterval:        progress.DefaultTickInterval,
			DisplayHold:         progress.DefaultDisplayHold,
			OutputDirectory:     ".",
		},
		History: HistoryConfig{
			Limit:   10,
			Key:     "compressionHistory",
			Backend: "file",
			Path:    defaultDataDir(),
		},
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxUploadBytes: 64 << 20,
		},
		Inspect: InspectConfig{
			UseExiftool: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	// Enable environment variable support
	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnvKeys makes every known key visible to AutomaticEnv during Unmarshal,
// which only consults the environment for keys viper already knows about.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"compression.default_quality", "compression.max_dimension",
		"compression.use_background_worker", "compression.seconds_per_mb",
		"compression.min_estimate_seconds", "compression.max_running_percent",
		"compression.tick_interval", "compression.display_hold",
		"compression.output_directory",
		"history.limit", "history.key", "history.backend", "history.path",
		"server.port", "server.read_timeout", "server.write_timeout",
		"server.idle_timeout", "server.max_upload_bytes",
		"inspect.use_exiftool",
		"logging.level", "logging.file_path", "logging.max_size",
		"logging.max_backups", "logging.max_age", "logging.compress",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

var validate = validator.New()

// Validate validates and normalizes the configuration
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.History.Backend = strings.ToLower(c.History.Backend)
	c.History.Path = expandPath(c.History.Path)
	c.Compression.OutputDirectory = expandPath(c.Compression.OutputDirectory)

	if err := validate.Struct(c); err != nil {
		return err
	}

	// The quality slider moves in 0.1 steps.
	if err := progress.ValidateQuality(c.Compression.DefaultQuality); err != nil {
		return fmt.Errorf("compression.default_quality: %w", err)
	}

	return nil
}

// HistoryLocation returns where the history backend keeps its data: a
// directory for the file backend, a database file for sqlite.
func (c *Config) HistoryLocation() string {
	if c.History.Backend == "sqlite" && filepath.Ext(c.History.Path) == "" {
		return filepath.Join(c.History.Path, "history.db")
	}
	return c.History.Path
}

// Helper functions

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".image-compressor"
	}
	return filepath.Join(home, ".image-compressor")
}

func expandPath(path string) string {
	if path == "" {
		return path
	}

	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return expanded
		}
		expanded = filepath.Join(home, expanded[1:])
	}
	return expanded
}
