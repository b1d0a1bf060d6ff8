package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/oicur0t/logview/internal/tags"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. LOGVIEW_ENGINE_BATCH_SIZE
const EnvPrefix = "LOGVIEW"

// EngineConfig holds parse engine settings
type EngineConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAppendLines int           `mapstructure:"max_append_lines"`
	YieldInterval  time.Duration `mapstructure:"yield_interval"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// WatchConfig holds file notification settings
type WatchConfig struct {
	Mode         string        `mapstructure:"mode"` // auto, fsnotify or poll
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RateLimit    float64       `mapstructure:"rate_limit"` // evaluations per second, 0 for unlimited
}

// BatchingConfig holds output batching settings
type BatchingConfig struct {
	MaxSize int           `mapstructure:"max_size"`
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// CheckpointConfig holds the fingerprint checkpoint location
type CheckpointConfig struct {
	Path string `mapstructure:"path"`
}

// ViewerConfig represents the complete viewer configuration
type ViewerConfig struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Batching   BatchingConfig   `mapstructure:"batching"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Tags       []tags.Tag       `mapstructure:"tags"`
	LogLevel   string           `mapstructure:"log_level"`
	LogFormat  string           `mapstructure:"log_format"`
}

// LoadViewerConfig loads the viewer configuration. The file is optional;
// defaults and LOGVIEW_* environment variables apply either way.
func LoadViewerConfig(configPath string) (*ViewerConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("engine.batch_size", 5000)
	v.SetDefault("engine.max_append_lines", 10000)
	v.SetDefault("engine.yield_interval", "10ms")
	v.SetDefault("engine.stop_timeout", "2s")
	v.SetDefault("watch.mode", "auto")
	v.SetDefault("watch.poll_interval", "250ms")
	v.SetDefault("watch.rate_limit", 20.0)
	v.SetDefault("batching.max_size", 500)
	v.SetDefault("batching.max_wait", "1s")
	v.SetDefault("checkpoint.path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config ViewerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks value ranges
func (c *ViewerConfig) Validate() error {
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be positive")
	}
	if c.Engine.MaxAppendLines <= 0 {
		return fmt.Errorf("engine.max_append_lines must be positive")
	}
	if c.Engine.YieldInterval < 0 {
		return fmt.Errorf("engine.yield_interval must not be negative")
	}
	if c.Engine.StopTimeout <= 0 {
		return fmt.Errorf("engine.stop_timeout must be positive")
	}

	switch c.Watch.Mode {
	case "auto", "fsnotify", "poll":
	default:
		return fmt.Errorf("watch.mode must be auto, fsnotify or poll, got %q", c.Watch.Mode)
	}
	if c.Watch.PollInterval <= 0 {
		return fmt.Errorf("watch.poll_interval must be positive")
	}
	if c.Watch.RateLimit < 0 {
		return fmt.Errorf("watch.rate_limit must not be negative")
	}

	if c.Batching.MaxSize <= 0 {
		return fmt.Errorf("batching.max_size must be positive")
	}
	if c.Batching.MaxWait <= 0 {
		return fmt.Errorf("batching.max_wait must be positive")
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}

	for i, t := range c.Tags {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tags[%d].name is required", i)
		}
	}

	return nil
}
