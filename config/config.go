package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/qalclaude/qalclaude/claude"
	"github.com/qalclaude/qalclaude/paths"
)

// Config holds the persisted user settings. Zero values mean "use the
// built-in default".
type Config struct {
	Binary              string   `json:"binary,omitempty"`                // CLI executable, looked up on PATH when not absolute
	Model               string   `json:"model,omitempty"`                 // Model passed via --model
	PermissionMode      string   `json:"permission_mode,omitempty"`       // default, plan, acceptEdits or bypassPermissions
	Persona             string   `json:"persona,omitempty"`               // Persona selected at startup
	ExtraArgs           []string `json:"extra_args,omitempty"`            // Appended to every launch
	HandshakeTimeoutSec int      `json:"handshake_timeout_sec,omitempty"` // Seconds to wait for the init event
	Debug               bool     `json:"debug,omitempty"`                 // Debug logging and the raw stream log

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from its default location, or returns an empty one
// if the file doesn't exist yet.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config at path. A missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the config for values a launch would reject.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := claude.ParsePermissionMode(c.PermissionMode); err != nil {
		return err
	}
	if c.HandshakeTimeoutSec < 0 {
		return fmt.Errorf("handshake_timeout_sec must not be negative, got %d", c.HandshakeTimeoutSec)
	}
	for i, arg := range c.ExtraArgs {
		if arg == "" {
			return fmt.Errorf("extra_args[%d] is empty", i)
		}
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		path, err := paths.ConfigFilePath()
		if err != nil {
			return err
		}
		c.filePath = path
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// FilePath returns where Save writes to.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetModel returns the configured model, or "" for the default
func (c *Config) GetModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Model
}

// SetModel sets the model
func (c *Config) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Model = model
}

// GetPersona returns the persona selected at startup
func (c *Config) GetPersona() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Persona
}

// SetPersona records the last used persona
func (c *Config) SetPersona(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Persona = name
}

// GetPermissionMode returns the configured permission mode. Unknown values
// were rejected by Validate, so the conversion can't fail here.
func (c *Config) GetPermissionMode() claude.PermissionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mode, err := claude.ParsePermissionMode(c.PermissionMode)
	if err != nil {
		return claude.PermissionModeDefault
	}
	return mode
}

// SetPermissionMode sets the permission mode
func (c *Config) SetPermissionMode(mode claude.PermissionMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PermissionMode = string(mode)
}

// GetExtraArgs returns a copy of the extra arguments
func (c *Config) GetExtraArgs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.ExtraArgs)
}

// SetExtraArgs replaces the extra arguments
func (c *Config) SetExtraArgs(args []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExtraArgs = slices.Clone(args)
}

// HandshakeTimeout returns the configured handshake timeout, falling back
// to claude.DefaultHandshakeTimeout.
func (c *Config) HandshakeTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.HandshakeTimeoutSec <= 0 {
		return claude.DefaultHandshakeTimeout
	}
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// SetHandshakeTimeout stores d rounded down to whole seconds.
func (c *Config) SetHandshakeTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HandshakeTimeoutSec = int(d / time.Second)
}

// GetDebug returns whether debug logging is enabled
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// SetDebug enables or disables debug logging
func (c *Config) SetDebug(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debug = enabled
}

// LaunchConfig layers the configured values over claude.DefaultLaunchConfig.
// An empty cwd keeps the default working directory.
func (c *Config) LaunchConfig(cwd string) claude.LaunchConfig {
	lc := claude.DefaultLaunchConfig()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Binary != "" {
		lc.Binary = c.Binary
	}
	if c.Model != "" {
		lc.Model = c.Model
	}
	if mode, err := claude.ParsePermissionMode(c.PermissionMode); err == nil {
		lc.PermissionMode = mode
	}
	if cwd != "" {
		lc.WorkingDir = cwd
	}
	lc.ExtraArgs = slices.Clone(c.ExtraArgs)
	return lc
}
