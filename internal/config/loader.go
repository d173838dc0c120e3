// Package config loads promptd runtime configuration from a file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"promptd/internal/coordinator"
)

// RetryConfig mirrors coordinator.RetryPolicy in file-friendly units.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialDelayMs    int     `json:"initial_delay_ms" yaml:"initial_delay_ms" toml:"initial_delay_ms"`
	MaxDelayMs        int     `json:"max_delay_ms" yaml:"max_delay_ms" toml:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	TimeoutMs         int     `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
}

// QueueConfig mirrors coordinator.QueueConfig in file-friendly units.
type QueueConfig struct {
	MaxSize        int    `json:"max_size" yaml:"max_size" toml:"max_size"`
	DefaultTTLMs   int    `json:"default_ttl_ms" yaml:"default_ttl_ms" toml:"default_ttl_ms"`
	OverflowPolicy string `json:"overflow_policy" yaml:"overflow_policy" toml:"overflow_policy"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`
	CtxSize   int    `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads   int    `json:"threads" yaml:"threads" toml:"threads"`
	// Engine selects the runtime: "llama" (default) or "echo" (development).
	Engine   string `json:"engine" yaml:"engine" toml:"engine"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	Retry RetryConfig `json:"retry" yaml:"retry" toml:"retry"`
	Queue QueueConfig `json:"queue" yaml:"queue" toml:"queue"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// RetryPolicy converts the file fields into a coordinator policy, falling
// back to the default preset for unset fields.
func (c Config) RetryPolicy() coordinator.RetryPolicy {
	p := coordinator.DefaultRetryPolicy()
	if c.Retry.MaxRetries > 0 {
		p.MaxRetries = c.Retry.MaxRetries
	}
	if c.Retry.InitialDelayMs > 0 {
		p.InitialDelay = time.Duration(c.Retry.InitialDelayMs) * time.Millisecond
	}
	if c.Retry.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
	}
	if c.Retry.BackoffMultiplier >= 1.0 {
		p.BackoffMultiplier = c.Retry.BackoffMultiplier
	}
	if c.Retry.TimeoutMs > 0 {
		p.Timeout = time.Duration(c.Retry.TimeoutMs) * time.Millisecond
	}
	return p
}

// QueuePolicy converts the file fields into a coordinator queue config.
func (c Config) QueuePolicy() coordinator.QueueConfig {
	q := coordinator.QueueConfig{
		MaxSize:    32,
		DefaultTTL: 30 * time.Second,
		Policy:     coordinator.OverflowReject,
	}
	if c.Queue.MaxSize > 0 {
		q.MaxSize = c.Queue.MaxSize
	}
	if c.Queue.DefaultTTLMs > 0 {
		q.DefaultTTL = time.Duration(c.Queue.DefaultTTLMs) * time.Millisecond
	}
	switch strings.ToLower(c.Queue.OverflowPolicy) {
	case "drop_oldest":
		q.Policy = coordinator.OverflowDropOldest
	case "drop_newest":
		q.Policy = coordinator.OverflowDropNewest
	}
	return q
}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
