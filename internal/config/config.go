// Package config provides configuration for the bridge service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BRIDGE_PORT.
const EnvPrefix = "BRIDGE"

// Config holds the bridge configuration.
type Config struct {
	// Server settings
	Port int

	// Upstream agent API
	AgentBaseURL   string
	AgentAPIKey    string
	AgentTimeout   time.Duration
	AgentRateLimit float64
	AgentRateBurst int

	// Repo host
	GitHubBaseURL string
	GitHubToken   string
	GitHubTimeout time.Duration

	// Bridge settings
	PollInterval     time.Duration
	MaxBackoff       time.Duration
	FailureThreshold int
	ReplayBufferSize int
	DetachGrace      time.Duration
	CommandTimeout   time.Duration
	CommandQueueSize int

	// Registry settings
	IdleTimeout    time.Duration
	MaxPendingIdle time.Duration
	SweepInterval  time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int
	APIKey         string // Static key clients must present; empty disables the check

	// Storage and policy
	DatabaseDSN string
	PolicyFile  string

	// Logging
	LogLevel  string
	LogPretty bool
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8000)

	v.SetDefault("agent.base_url", "https://jules.googleapis.com/v1alpha")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.timeout", 30*time.Second)
	v.SetDefault("agent.rate_limit", 5.0)
	v.SetDefault("agent.rate_burst", 10)

	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.token", "")
	v.SetDefault("github.timeout", 60*time.Second)

	v.SetDefault("bridge.poll_interval", 2*time.Second)
	v.SetDefault("bridge.max_backoff", 30*time.Second)
	v.SetDefault("bridge.failure_threshold", 5)
	v.SetDefault("bridge.replay_buffer", 500)
	v.SetDefault("bridge.detach_grace", 30*time.Second)
	v.SetDefault("bridge.command_timeout", 60*time.Second)
	v.SetDefault("bridge.command_queue", 32)

	v.SetDefault("registry.idle_timeout", 10*time.Minute)
	v.SetDefault("registry.max_pending_idle", 2*time.Hour)
	v.SetDefault("registry.sweep_interval", 30*time.Second)

	v.SetDefault("ws.ping_interval", 30*time.Second)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.read_timeout", 60*time.Second)
	v.SetDefault("ws.max_message_size", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.api_key", "")

	v.SetDefault("database.dsn", "bridge.db")
	v.SetDefault("policy.file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// BindEnv wires environment overrides. The credential keys also accept the
// unprefixed names used by the upstream tooling.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("agent.api_key", EnvPrefix+"_AGENT_API_KEY", "JULES_API_KEY")
	_ = v.BindEnv("github.token", EnvPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN")
}

// New returns a viper instance with defaults and env bindings applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

// Load reads configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port: v.GetInt("port"),

		AgentBaseURL:   strings.TrimRight(v.GetString("agent.base_url"), "/"),
		AgentAPIKey:    v.GetString("agent.api_key"),
		AgentTimeout:   v.GetDuration("agent.timeout"),
		AgentRateLimit: v.GetFloat64("agent.rate_limit"),
		AgentRateBurst: v.GetInt("agent.rate_burst"),

		GitHubBaseURL: strings.TrimRight(v.GetString("github.base_url"), "/"),
		GitHubToken:   v.GetString("github.token"),
		GitHubTimeout: v.GetDuration("github.timeout"),

		PollInterval:     v.GetDuration("bridge.poll_interval"),
		MaxBackoff:       v.GetDuration("bridge.max_backoff"),
		FailureThreshold: v.GetInt("bridge.failure_threshold"),
		ReplayBufferSize: v.GetInt("bridge.replay_buffer"),
		DetachGrace:      v.GetDuration("bridge.detach_grace"),
		CommandTimeout:   v.GetDuration("bridge.command_timeout"),
		CommandQueueSize: v.GetInt("bridge.command_queue"),

		IdleTimeout:    v.GetDuration("registry.idle_timeout"),
		MaxPendingIdle: v.GetDuration("registry.max_pending_idle"),
		SweepInterval:  v.GetDuration("registry.sweep_interval"),

		PingInterval:   v.GetDuration("ws.ping_interval"),
		WriteTimeout:   v.GetDuration("ws.write_timeout"),
		ReadTimeout:    v.GetDuration("ws.read_timeout"),
		MaxMessageSize: v.GetInt64("ws.max_message_size"),
		SendBuffer:     v.GetInt("ws.send_buffer"),
		APIKey:         v.GetString("ws.api_key"),

		DatabaseDSN: v.GetString("database.dsn"),
		PolicyFile:  v.GetString("policy.file"),

		LogLevel:  v.GetString("log.level"),
		LogPretty: v.GetBool("log.pretty"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"agent.timeout":           c.AgentTimeout,
		"github.timeout":          c.GitHubTimeout,
		"bridge.poll_interval":    c.PollInterval,
		"bridge.max_backoff":      c.MaxBackoff,
		"bridge.command_timeout":  c.CommandTimeout,
		"registry.idle_timeout":   c.IdleTimeout,
		"registry.sweep_interval": c.SweepInterval,
		"ws.ping_interval":        c.PingInterval,
		"ws.write_timeout":        c.WriteTimeout,
		"ws.read_timeout":         c.ReadTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config %s must be positive, got %s", key, d)
		}
	}
	if c.DetachGrace < 0 {
		return fmt.Errorf("config bridge.detach_grace must not be negative, got %s", c.DetachGrace)
	}
	if c.MaxBackoff < c.PollInterval {
		return fmt.Errorf("config bridge.max_backoff (%s) must be >= bridge.poll_interval (%s)", c.MaxBackoff, c.PollInterval)
	}
	ints := map[string]int{
		"port":                     c.Port,
		"bridge.failure_threshold": c.FailureThreshold,
		"bridge.replay_buffer":     c.ReplayBufferSize,
		"bridge.command_queue":     c.CommandQueueSize,
		"ws.send_buffer":           c.SendBuffer,
	}
	for key, n := range ints {
		if n <= 0 {
			return fmt.Errorf("config %s must be positive, got %d", key, n)
		}
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("config ws.max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	if c.AgentRateLimit <= 0 {
		return fmt.Errorf("config agent.rate_limit must be positive, got %v", c.AgentRateLimit)
	}
	return nil
}
