package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "feedback-agent.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/feedback-agent"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/feedback-agent/config.yaml)
// 3. Project config (feedback-agent.yaml in current or parent directories)
// 4. Environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays environment variables onto the config. Environment
// wins over every file layer.
func applyEnv(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DB_MODE"); v != "" {
		c.Store.Mode = v
	}
	if v := os.Getenv("DB_DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv("MODEL_ENDPOINT"); v != "" {
		ep := c.Model.Endpoints[c.Model.Default]
		ep.URL = v
		c.Model.Endpoints[c.Model.Default] = ep
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		ep := c.Model.Endpoints[c.Model.Default]
		ep.Model = v
		c.Model.Endpoints[c.Model.Default] = ep
	}
	if v := os.Getenv("MAX_DAILY_TOKENS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Breaker.MaxDailyTokens = n
		}
	}
	if v := os.Getenv("MAX_TASK_TOKENS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Breaker.MaxTaskTokens = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.MaxRetries = n
		}
	}
	if v := os.Getenv("TOKEN_WINDOW_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Breaker.TokenWindow = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("HALF_OPEN_INTERVAL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Breaker.HalfOpenInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("REPO_URL"); v != "" {
		c.Workspace.RepoURL = v
	}
	if v := os.Getenv("WORK_DIR"); v != "" {
		c.Workspace.Dir = v
	}
	if v := os.Getenv("CHROME_PATH"); v != "" {
		c.Harness.ChromePath = v
	}
	if v := os.Getenv("TARGET_URL"); v != "" {
		c.Harness.TargetURL = v
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for feedback-agent.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
