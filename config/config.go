// Package config provides configuration loading and management for the
// feedback agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Store     StoreConfig     `yaml:"store"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Harness   HarnessConfig   `yaml:"harness"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	// Port is the listen port for the HTTP server.
	Port int `yaml:"port"`
	// StreamBuffer bounds each task's event stream (0 = package default).
	StreamBuffer int `yaml:"stream_buffer"`
}

// EndpointConfig describes one reachable model endpoint. The API key is
// never part of the file; it comes from the MODEL_API_KEY environment
// variable.
type EndpointConfig struct {
	// Provider is the wire dialect ("openai" for any OpenAI-compatible API).
	Provider string `yaml:"provider"`
	// URL is the API base URL.
	URL string `yaml:"url"`
	// Model is the identifier sent to the provider.
	Model string `yaml:"model"`
	// MaxTokens caps the completion length for this endpoint.
	MaxTokens int `yaml:"max_tokens"`
}

// ModelConfig configures model endpoints and capability routing.
type ModelConfig struct {
	// Default names the endpoint serving capabilities without an explicit
	// binding.
	Default string `yaml:"default"`
	// Endpoints maps endpoint names to their connection details.
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
	// Capabilities maps call types (analysis, planning, testgen, assess,
	// changelog) to endpoint names.
	Capabilities map[string]string `yaml:"capabilities"`
	// Timeout is the per-call wall clock bound.
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig configures the durable record store.
type StoreConfig struct {
	// Mode selects the backend: "memory" or "file".
	Mode string `yaml:"mode"`
	// DataDir is the directory for the file backend's database document.
	DataDir string `yaml:"data_dir"`
	// FlushInterval is how often dirty state is written to disk.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// BreakerConfig configures the admission controller thresholds.
type BreakerConfig struct {
	MaxDailyTokens     int64 `yaml:"max_daily_tokens"`
	MaxTaskTokens      int64 `yaml:"max_task_tokens"`
	MaxConcurrentTasks int   `yaml:"max_concurrent_tasks"`
	MaxRetries         int   `yaml:"max_retries"`
	// TokenWindow is the rolling window for the daily token bucket.
	TokenWindow time.Duration `yaml:"token_window"`
	// HalfOpenInterval is how long a tripped circuit waits before probing.
	HalfOpenInterval time.Duration `yaml:"half_open_interval"`
}

// WorkspaceConfig configures the target repository checkout.
type WorkspaceConfig struct {
	// RepoURL is the git remote holding the code the agent modifies.
	RepoURL string `yaml:"repo_url"`
	// Dir is the local checkout path.
	Dir string `yaml:"dir"`
	// MaxSnapshots bounds the snapshot ring (0 = package default).
	MaxSnapshots int `yaml:"max_snapshots"`
	// SnapshotFiles restricts snapshots to the listed paths; empty captures
	// every tracked file.
	SnapshotFiles []string `yaml:"snapshot_files"`
}

// HarnessConfig configures browser test execution and the quality gate.
type HarnessConfig struct {
	// ChromePath overrides headless browser discovery.
	ChromePath string `yaml:"chrome_path"`
	// TargetURL is the deployed application under test.
	TargetURL string `yaml:"target_url"`
	// CaseTimeout bounds one test case (0 = package default).
	CaseTimeout time.Duration `yaml:"case_timeout"`
	// MinCases is the minimum executed cases for the gate to pass.
	MinCases int `yaml:"min_cases"`
	// MinScore, when positive, requires the model assessment to reach it.
	MinScore float64 `yaml:"min_score"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Model: ModelConfig{
			Default: "default",
			Endpoints: map[string]EndpointConfig{
				"default": {
					Provider:  "openai",
					URL:       "https://api.openai.com/v1",
					Model:     "gpt-4o-mini",
					MaxTokens: 4096,
				},
			},
			Timeout: 2 * time.Minute,
		},
		Store: StoreConfig{
			Mode:          "file",
			DataDir:       "data",
			FlushInterval: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxDailyTokens:     1_000_000,
			MaxTaskTokens:      100_000,
			MaxConcurrentTasks: 3,
			MaxRetries:         3,
			TokenWindow:        24 * time.Hour,
			HalfOpenInterval:   10 * time.Minute,
		},
		Workspace: WorkspaceConfig{
			Dir: "workdir",
		},
		Harness: HarnessConfig{
			TargetURL: "http://localhost:3000",
			MinCases:  3,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if _, ok := c.Model.Endpoints[c.Model.Default]; !ok {
		return fmt.Errorf("model.default %q has no endpoint entry", c.Model.Default)
	}
	for name, ep := range c.Model.Endpoints {
		if ep.Model == "" {
			return fmt.Errorf("model.endpoints.%s.model is required", name)
		}
	}
	for cap, name := range c.Model.Capabilities {
		if _, ok := c.Model.Endpoints[name]; !ok {
			return fmt.Errorf("model.capabilities.%s names unknown endpoint %q", cap, name)
		}
	}
	switch c.Store.Mode {
	case "memory", "file":
	default:
		return fmt.Errorf("store.mode must be memory or file, got %q", c.Store.Mode)
	}
	if c.Breaker.MaxDailyTokens <= 0 || c.Breaker.MaxTaskTokens <= 0 {
		return fmt.Errorf("breaker token budgets must be positive")
	}
	if c.Breaker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("breaker.max_concurrent_tasks must be positive")
	}
	if c.Harness.MinScore < 0 || c.Harness.MinScore > 1 {
		return fmt.Errorf("harness.min_score must be between 0 and 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.StreamBuffer != 0 {
		c.Server.StreamBuffer = other.Server.StreamBuffer
	}

	if other.Model.Default != "" {
		c.Model.Default = other.Model.Default
	}
	for name, ep := range other.Model.Endpoints {
		if c.Model.Endpoints == nil {
			c.Model.Endpoints = make(map[string]EndpointConfig)
		}
		c.Model.Endpoints[name] = ep
	}
	for cap, name := range other.Model.Capabilities {
		if c.Model.Capabilities == nil {
			c.Model.Capabilities = make(map[string]string)
		}
		c.Model.Capabilities[cap] = name
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	if other.Store.Mode != "" {
		c.Store.Mode = other.Store.Mode
	}
	if other.Store.DataDir != "" {
		c.Store.DataDir = other.Store.DataDir
	}
	if other.Store.FlushInterval != 0 {
		c.Store.FlushInterval = other.Store.FlushInterval
	}

	if other.Breaker.MaxDailyTokens != 0 {
		c.Breaker.MaxDailyTokens = other.Breaker.MaxDailyTokens
	}
	if other.Breaker.MaxTaskTokens != 0 {
		c.Breaker.MaxTaskTokens = other.Breaker.MaxTaskTokens
	}
	if other.Breaker.MaxConcurrentTasks != 0 {
		c.Breaker.MaxConcurrentTasks = other.Breaker.MaxConcurrentTasks
	}
	if other.Breaker.MaxRetries != 0 {
		c.Breaker.MaxRetries = other.Breaker.MaxRetries
	}
	if other.Breaker.TokenWindow != 0 {
		c.Breaker.TokenWindow = other.Breaker.TokenWindow
	}
	if other.Breaker.HalfOpenInterval != 0 {
		c.Breaker.HalfOpenInterval = other.Breaker.HalfOpenInterval
	}

	if other.Workspace.RepoURL != "" {
		c.Workspace.RepoURL = other.Workspace.RepoURL
	}
	if other.Workspace.Dir != "" {
		c.Workspace.Dir = other.Workspace.Dir
	}
	if other.Workspace.MaxSnapshots != 0 {
		c.Workspace.MaxSnapshots = other.Workspace.MaxSnapshots
	}
	if len(other.Workspace.SnapshotFiles) > 0 {
		c.Workspace.SnapshotFiles = other.Workspace.SnapshotFiles
	}

	if other.Harness.ChromePath != "" {
		c.Harness.ChromePath = other.Harness.ChromePath
	}
	if other.Harness.TargetURL != "" {
		c.Harness.TargetURL = other.Harness.TargetURL
	}
	if other.Harness.CaseTimeout != 0 {
		c.Harness.CaseTimeout = other.Harness.CaseTimeout
	}
	if other.Harness.MinCases != 0 {
		c.Harness.MinCases = other.Harness.MinCases
	}
	if other.Harness.MinScore != 0 {
		c.Harness.MinScore = other.Harness.MinScore
	}
}
