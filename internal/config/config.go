package config

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"strconv"

	"github.com/harun/ranyadesk/pkg/schedule"
)

// Config represents the main ranyadesk configuration
type Config struct {
	// DataDir holds the session database and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Provider  ProviderConfig  `json:"provider" mapstructure:"provider"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Sessions  SessionsConfig  `json:"sessions" mapstructure:"sessions"`
	Schedules []schedule.Job  `json:"schedules" mapstructure:"schedules"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
}

// ProviderConfig selects the model backend bound at startup
type ProviderConfig struct {
	Name       string `json:"name" mapstructure:"name"` // anthropic, openai, databricks
	Model      string `json:"model" mapstructure:"model"`
	APIKey     string `json:"api_key" mapstructure:"api_key"`
	BaseURL    string `json:"base_url" mapstructure:"base_url"`
	MaxRetries int    `json:"max_retries" mapstructure:"max_retries"`
}

// AgentConfig tunes the agent loop
type AgentConfig struct {
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	Mode         string  `json:"mode" mapstructure:"mode"`
	ContextLimit int     `json:"context_limit" mapstructure:"context_limit"` // tokens, 0 disables compaction
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
}

// GatewayConfig holds the local gateway server configuration
type GatewayConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	MinClientVersion  string `json:"min_client_version" mapstructure:"min_client_version"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	TickIntervalMs    int    `json:"tick_interval_ms" mapstructure:"tick_interval_ms"`
	ShutdownTimeoutMs int    `json:"shutdown_timeout_ms" mapstructure:"shutdown_timeout_ms"`
	QueueWarnAfterMs  int    `json:"queue_warn_after_ms" mapstructure:"queue_warn_after_ms"`
}

// Addr returns host:port
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// SessionsConfig controls expiry of ephemeral sessions
type SessionsConfig struct {
	CleanupEnabled  bool `json:"cleanup_enabled" mapstructure:"cleanup_enabled"`
	CleanupAgeHours int  `json:"cleanup_age_hours" mapstructure:"cleanup_age_hours"`
	MaxMessages     int  `json:"max_messages" mapstructure:"max_messages"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig toggles the OpenTelemetry tracer provider
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	// SampleRatio is the share of replies traced, in (0, 1]
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:       "databricks",
			MaxRetries: 2,
		},
		Agent: AgentConfig{
			Mode:         "auto",
			ContextLimit: 128000,
			MaxTokens:    4096,
			Temperature:  0.7,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              7777,
			MinClientVersion:  "1.0.0",
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
			TickIntervalMs:    30000,
			ShutdownTimeoutMs: 10000,
			QueueWarnAfterMs:  2000,
		},
		Sessions: SessionsConfig{
			CleanupEnabled:  true,
			CleanupAgeHours: 7 * 24,
			MaxMessages:     500,
		},
		Schedules: []schedule.Job{},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "ranyadesk",
			SampleRatio: 1,
		},
	}
}

// SessionDBPath is where the session store lives
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataDir, "sessions", "sessions.db")
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Provider.APIKey != "" {
		masked.Provider.APIKey = "********"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "********"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
