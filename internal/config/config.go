package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variable keys. Environment values override file values.
const (
	envKeyPort        = "WEBSOCKET_PORT"
	envKeyAPIKey      = "OPENAI_API_KEY"
	envKeyRealtimeURL = "OPENAI_REALTIME_URL"
	envKeyModel       = "OPENAI_REALTIME_MODEL"
)

// Config is the complete bridge configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the WebSocket/HTTP listener.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
}

// OpenAIConfig configures the realtime-model connection.
type OpenAIConfig struct {
	APIKey      string `yaml:"api_key"`
	RealtimeURL string `yaml:"realtime_url"`
	Model       string `yaml:"model"`
}

// BridgeConfig contains relay tuning knobs.
type BridgeConfig struct {
	// RemoveDelaySeconds is the grace window between the terminal stream
	// message and the session becoming unresolvable, so trailing events
	// still reach observers.
	RemoveDelaySeconds int `yaml:"remove_delay_seconds"`
	WriteTimeoutMS     int `yaml:"write_timeout_ms"`
}

// LoggingConfig configures the optional rotating log file. An empty File
// means logging goes to stdout.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        3001,
			BindAddress: "0.0.0.0",
		},
		OpenAI: OpenAIConfig{
			RealtimeURL: "wss://api.openai.com/v1/realtime",
			Model:       "gpt-realtime",
		},
		Bridge: BridgeConfig{
			RemoveDelaySeconds: 5,
			WriteTimeoutMS:     5000,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// Load reads the optional YAML file at path on top of the defaults, then
// applies environment overrides. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envKeyPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv(envKeyAPIKey); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv(envKeyRealtimeURL); v != "" {
		c.OpenAI.RealtimeURL = v
	}
	if v := os.Getenv(envKeyModel); v != "" {
		c.OpenAI.Model = v
	}
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.BindAddress == "" {
		return fmt.Errorf("server bind_address cannot be empty")
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai api_key is required (set %s)", envKeyAPIKey)
	}
	if c.OpenAI.RealtimeURL == "" {
		return fmt.Errorf("openai realtime_url cannot be empty")
	}
	if c.OpenAI.Model == "" {
		return fmt.Errorf("openai model cannot be empty")
	}
	if c.Bridge.RemoveDelaySeconds < 0 {
		return fmt.Errorf("bridge remove_delay_seconds cannot be negative, got %d", c.Bridge.RemoveDelaySeconds)
	}
	if c.Bridge.WriteTimeoutMS < 1 {
		return fmt.Errorf("bridge write_timeout_ms must be positive, got %d", c.Bridge.WriteTimeoutMS)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// DialURL returns the full realtime endpoint URL including the model.
func (o *OpenAIConfig) DialURL() string {
	return o.RealtimeURL + "?model=" + o.Model
}

// RemoveDelay returns the session teardown grace window.
func (b *BridgeConfig) RemoveDelay() time.Duration {
	return time.Duration(b.RemoveDelaySeconds) * time.Second
}

// WriteTimeout returns the per-message write deadline.
func (b *BridgeConfig) WriteTimeout() time.Duration {
	return time.Duration(b.WriteTimeoutMS) * time.Millisecond
}
