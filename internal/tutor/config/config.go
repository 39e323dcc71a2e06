// Package config loads the tutoring engine's top-level configuration from
// YAML, composing one struct per collaborator the way cmd/nexus's own
// config layers do.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/tutor-core/internal/tutor/executor"
	"github.com/haasonsaas/tutor-core/internal/tutor/registry"
	"github.com/haasonsaas/tutor-core/internal/tutor/session"
	"github.com/haasonsaas/tutor-core/internal/tutor/store"
)

// AnthropicConfig configures the reference LLM-backed tool client.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// TransportConfig configures the websocket ingress/egress adapter.
type TransportConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
	// ReconnectGraceMS bounds how long a learner's Session stays alive,
	// sink-less, after its socket drops before the transport tears it down.
	ReconnectGraceMS int `yaml:"transport_reconnect_grace_ms"`
}

// Config is the top-level configuration for `tutor serve`.
type Config struct {
	Executor  ExecutorConfig  `yaml:"executor"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Transport TransportConfig `yaml:"transport"`
}

// ExecutorConfig mirrors executor.Config with YAML-friendly duration
// strings.
type ExecutorConfig struct {
	Concurrency     int    `yaml:"concurrency"`
	DefaultDeadline string `yaml:"default_deadline"`
	QueueCap        int    `yaml:"queue_cap"`
}

// SessionConfig mirrors session.Config with YAML-friendly duration strings.
type SessionConfig struct {
	ToolDeadline       string `yaml:"tool_deadline"`
	InactivityTimeout  string `yaml:"inactivity_timeout"`
	TickPeriod         string `yaml:"tick_period"`
	HistoryRetained    int    `yaml:"history_retained"`
	PersistenceEnabled bool   `yaml:"persistence_enabled"`
}

// StoreConfig configures the durable session store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Default returns the engine's suggested defaults, matching
// executor.DefaultConfig and session.DefaultConfig.
func Default() Config {
	return Config{
		Executor: ExecutorConfig{
			Concurrency:     4,
			DefaultDeadline: "30s",
			QueueCap:        0,
		},
		Session: SessionConfig{
			ToolDeadline:       "30s",
			InactivityTimeout:  "30m",
			TickPeriod:         "30s",
			HistoryRetained:    200,
			PersistenceEnabled: true,
		},
		Store: StoreConfig{
			Path: "tutor.db",
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
		Transport: TransportConfig{
			ListenAddr:       ":8089",
			Path:             "/ws",
			ReconnectGraceMS: 30000,
		},
	}
}

// Load reads and parses a YAML config file, applying Default for anything
// the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ToExecutorConfig converts the YAML-shaped config into executor.Config.
func (c Config) ToExecutorConfig() (executor.Config, error) {
	deadline, err := parseDuration(c.Executor.DefaultDeadline, 30*time.Second)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Concurrency:     c.Executor.Concurrency,
		DefaultDeadline: deadline,
		QueueCap:        c.Executor.QueueCap,
	}, nil
}

// ToSessionConfig converts the YAML-shaped config into session.Config.
func (c Config) ToSessionConfig() (session.Config, error) {
	toolDeadline, err := parseDuration(c.Session.ToolDeadline, 30*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	inactivity, err := parseDuration(c.Session.InactivityTimeout, 30*time.Minute)
	if err != nil {
		return session.Config{}, err
	}
	tick, err := parseDuration(c.Session.TickPeriod, 30*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		ToolDeadline:       toolDeadline,
		InactivityTimeout:  inactivity,
		TickPeriod:         tick,
		HistoryRetained:    c.Session.HistoryRetained,
		PersistenceEnabled: c.Session.PersistenceEnabled,
		InboxCapacity:      64,
	}, nil
}

// ToRegistryConfig converts the YAML-shaped config into registry.Config.
func (c Config) ToRegistryConfig() (registry.Config, error) {
	sessCfg, err := c.ToSessionConfig()
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{SessionConfig: sessCfg}, nil
}

// ToStoreConfig converts the YAML-shaped config into store.Config.
func (c Config) ToStoreConfig() store.Config {
	return store.Config{Path: c.Store.Path}
}

// ToReconnectGrace converts the transport's millisecond config field into a
// time.Duration, defaulting to transport.DefaultReconnectGrace when unset.
func (c Config) ToReconnectGrace() time.Duration {
	if c.Transport.ReconnectGraceMS <= 0 {
		return 0
	}
	return time.Duration(c.Transport.ReconnectGraceMS) * time.Millisecond
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	return d, nil
}
