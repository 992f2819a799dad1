package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Relays    RelaysConfig    `yaml:"relays"`
	Router    RouterConfig    `yaml:"router"`
	Push      PushConfig      `yaml:"push"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// RelaysConfig contains relay connection settings
type RelaysConfig struct {
	// Relays to connect to at startup, before any subscriber references them
	URLs []string `yaml:"urls"`

	ConnectTimeoutSeconds int   `yaml:"connect_timeout_seconds"`
	WriteTimeoutSeconds   int   `yaml:"write_timeout_seconds"`
	ReconnectDelaySeconds int   `yaml:"reconnect_delay_seconds"`
	MaxFrameBytes         int64 `yaml:"max_frame_bytes"`
}

// RouterConfig contains event router settings
type RouterConfig struct {
	// Retention window for the dedup table; must exceed the maximum
	// expected cross-relay propagation delay
	DedupRetentionSeconds int `yaml:"dedup_retention_seconds"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	DedupCapacity        int `yaml:"dedup_capacity"`
}

// PushConfig contains push delivery settings
type PushConfig struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	Subject         string `yaml:"subject"`
	TTLSeconds      int    `yaml:"ttl_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	IncludeCaller bool   `yaml:"include_caller"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ServiceName   string  `yaml:"service_name"`
	Endpoint      string  `yaml:"endpoint"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
		},
		Relays: RelaysConfig{
			URLs:                  []string{},
			ConnectTimeoutSeconds: 10,
			WriteTimeoutSeconds:   10,
			ReconnectDelaySeconds: 5,
			MaxFrameBytes:         1 << 20,
		},
		Router: RouterConfig{
			DedupRetentionSeconds: 600,
			SweepIntervalSeconds:  60,
			DedupCapacity:         100000,
		},
		Push: PushConfig{
			Subject:        "",
			TTLSeconds:     24 * 60 * 60,
			TimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "pushbridge",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Override with command line flags (highest priority)
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations that cannot run correctly.
func (c *Config) Validate() error {
	// A retention window shorter than cross-relay propagation delay would
	// let duplicate notifications through.
	if c.Router.DedupRetentionSeconds < 60 {
		return fmt.Errorf("router.dedup_retention_seconds must be at least 60, got %d", c.Router.DedupRetentionSeconds)
	}
	if c.Router.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("router.sweep_interval_seconds must be positive, got %d", c.Router.SweepIntervalSeconds)
	}
	if c.Router.DedupCapacity <= 0 {
		return fmt.Errorf("router.dedup_capacity must be positive, got %d", c.Router.DedupCapacity)
	}
	if c.Relays.ReconnectDelaySeconds <= 0 {
		return fmt.Errorf("relays.reconnect_delay_seconds must be positive, got %d", c.Relays.ReconnectDelaySeconds)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("PUSHBRIDGE_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if urls := os.Getenv("PUSHBRIDGE_RELAY_URLS"); urls != "" {
		var parsed []string
		for _, url := range strings.Split(urls, ",") {
			if url = strings.TrimSpace(url); url != "" {
				parsed = append(parsed, url)
			}
		}
		config.Relays.URLs = parsed
	}
	if retentionStr := os.Getenv("PUSHBRIDGE_DEDUP_RETENTION_SECONDS"); retentionStr != "" {
		if val, err := strconv.Atoi(retentionStr); err == nil {
			config.Router.DedupRetentionSeconds = val
		}
	}
	if key := os.Getenv("PUSHBRIDGE_VAPID_PUBLIC_KEY"); key != "" {
		config.Push.VAPIDPublicKey = key
	}
	if key := os.Getenv("PUSHBRIDGE_VAPID_PRIVATE_KEY"); key != "" {
		config.Push.VAPIDPrivateKey = key
	}
	if subject := os.Getenv("PUSHBRIDGE_VAPID_SUBJECT"); subject != "" {
		config.Push.Subject = subject
	}
	if level := os.Getenv("PUSHBRIDGE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("PUSHBRIDGE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
