package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Shutdown policies for outstanding tasks.
const (
	ShutdownDrain  = "drain"
	ShutdownCancel = "cancel"
)

// Config holds the kernel's own settings. Connection parameters live in
// ConnectionInfo and come from the connection file handed over by the front end.
type Config struct {
	MaxWorkers            int    `json:"max_workers"`
	ExecuteTimeoutSeconds int    `json:"execute_timeout_seconds"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	InputTimeoutSeconds   int    `json:"input_timeout_seconds"`
	InterruptWindowMillis int    `json:"interrupt_window_ms"`
	ShutdownPolicy        string `json:"shutdown_policy"`   // drain, cancel
	ShutdownGraceSeconds  int    `json:"shutdown_grace_seconds"`
	HistoryPath           string `json:"history_path"`      // empty disables history
	DiagnosticsAddr       string `json:"diagnostics_addr"`  // empty disables the HTTP endpoint
	OutboxSize            int    `json:"outbox_size"`
	LogLevel              string `json:"log_level"` // debug, info, warn, error, none
	LogPath               string `json:"log_path"`  // "-" for stderr
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "schnellkernel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "schnellkernel")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "schnellkernel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "schnellkernel")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "schnellkernel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "schnellkernel")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "schnellkernel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "schnellkernel")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:            1,
		ExecuteTimeoutSeconds: 3600,
		RequestTimeoutSeconds: 10,
		InputTimeoutSeconds:   300,
		InterruptWindowMillis: 3000,
		ShutdownPolicy:        ShutdownCancel,
		ShutdownGraceSeconds:  5,
		HistoryPath:           filepath.Join(defaultStateDir(), "history.sqlite"),
		DiagnosticsAddr:       "",
		OutboxSize:            1024,
		LogLevel:              "info",
		LogPath:               "-",
	}
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	config.fillDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// fillDefaults repairs fields an explicit zero value in the file would break.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.ExecuteTimeoutSeconds <= 0 {
		c.ExecuteTimeoutSeconds = def.ExecuteTimeoutSeconds
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = def.RequestTimeoutSeconds
	}
	if c.InputTimeoutSeconds <= 0 {
		c.InputTimeoutSeconds = def.InputTimeoutSeconds
	}
	if c.InterruptWindowMillis <= 0 {
		c.InterruptWindowMillis = def.InterruptWindowMillis
	}
	if c.ShutdownPolicy == "" {
		c.ShutdownPolicy = def.ShutdownPolicy
	}
	if c.ShutdownGraceSeconds <= 0 {
		c.ShutdownGraceSeconds = def.ShutdownGraceSeconds
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogPath == "" {
		c.LogPath = def.LogPath
	}
}

// Validate rejects settings the kernel cannot run with.
func (c *Config) Validate() error {
	switch c.ShutdownPolicy {
	case ShutdownDrain, ShutdownCancel:
	default:
		return fmt.Errorf("invalid shutdown_policy %q (want %q or %q)", c.ShutdownPolicy, ShutdownDrain, ShutdownCancel)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	return nil
}

// ApplyEnv lets environment variables override logging settings.
func (c *Config) ApplyEnv() {
	if envLevel := strings.TrimSpace(os.Getenv("SCHNELLKERNEL_LOG_LEVEL")); envLevel != "" {
		c.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("SCHNELLKERNEL_LOG_PATH")); envPath != "" {
		c.LogPath = envPath
	}
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExecuteTimeout is the upper bound for one execute_request.
func (c *Config) ExecuteTimeout() time.Duration {
	return time.Duration(c.ExecuteTimeoutSeconds) * time.Second
}

// RequestTimeout bounds every other handler-to-backend call.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// InputTimeout bounds how long the kernel waits for an input_reply.
func (c *Config) InputTimeout() time.Duration {
	return time.Duration(c.InputTimeoutSeconds) * time.Second
}

// InterruptWindow is the debounce window for interrupt escalation.
func (c *Config) InterruptWindow() time.Duration {
	return time.Duration(c.InterruptWindowMillis) * time.Millisecond
}

// ShutdownGrace bounds the drain phase of shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
