// Package config handles configuration loading and scrybe home resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the per-home configuration file.
const FileName = "config.yaml"

// Persistence drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverS3     = "s3"
	DriverMemory = "memory"
)

// ---------------------------------------------------------------------------
// Config types
// ---------------------------------------------------------------------------

// S3Config selects the bucket used by the s3 driver.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// PersistenceConfig selects where synced values are stored.
type PersistenceConfig struct {
	Driver   string   `yaml:"driver"` // "file" | "sqlite" | "s3" | "memory"
	AutoSave bool     `yaml:"autosave"`
	S3       S3Config `yaml:"s3"`
}

// RemoteConfig points stores at a hub. An empty URL disables the remote owner.
type RemoteConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HubConfig configures `scrybe serve`.
type HubConfig struct {
	Addr string `yaml:"addr"`
	DB   string `yaml:"db"` // relative paths resolve against the home
}

// LogConfig configures the default slog logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
	Format string `yaml:"format"` // "text" | "json"
}

// Config is the root per-home configuration.
type Config struct {
	StateDir    string            `yaml:"state_dir"` // default <home>/state
	Sync        bool              `yaml:"sync"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Remote      RemoteConfig      `yaml:"remote"`
	Hub         HubConfig         `yaml:"hub"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Sync: true,
		Persistence: PersistenceConfig{
			Driver:   DriverFile,
			AutoSave: true,
		},
		Remote: RemoteConfig{
			Timeout: 5 * time.Second,
		},
		Hub: HubConfig{
			Addr: "127.0.0.1:3030",
			DB:   "hub.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a per-home config.yaml from path.
// If the file does not exist it returns Default() with no error.
// Missing keys retain their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	// Unmarshal into a plain map so we can apply only the keys that are present.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config.Load %s: %w", path, err)
	}

	if v, ok := raw["state_dir"].(string); ok {
		cfg.StateDir = v
	}
	if v, ok := raw["sync"].(bool); ok {
		cfg.Sync = v
	}

	if p, ok := raw["persistence"].(map[string]any); ok {
		if v, ok := p["driver"].(string); ok && v != "" {
			cfg.Persistence.Driver = v
		}
		if v, ok := p["autosave"].(bool); ok {
			cfg.Persistence.AutoSave = v
		}
		if s3, ok := p["s3"].(map[string]any); ok {
			if v, ok := s3["bucket"].(string); ok {
				cfg.Persistence.S3.Bucket = v
			}
			if v, ok := s3["prefix"].(string); ok {
				cfg.Persistence.S3.Prefix = v
			}
			if v, ok := s3["region"].(string); ok {
				cfg.Persistence.S3.Region = v
			}
			if v, ok := s3["endpoint"].(string); ok {
				cfg.Persistence.S3.Endpoint = v
			}
		}
	}

	if r, ok := raw["remote"].(map[string]any); ok {
		if v, ok := r["url"].(string); ok {
			cfg.Remote.URL = v
		}
		if v, ok := r["timeout"].(string); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("config.Load %s: remote.timeout: %w", path, err)
			}
			cfg.Remote.Timeout = d
		}
	}

	if h, ok := raw["hub"].(map[string]any); ok {
		if v, ok := h["addr"].(string); ok && v != "" {
			cfg.Hub.Addr = v
		}
		if v, ok := h["db"].(string); ok && v != "" {
			cfg.Hub.DB = v
		}
	}

	if l, ok := raw["log"].(map[string]any); ok {
		if v, ok := l["level"].(string); ok && v != "" {
			cfg.Log.Level = v
		}
		if v, ok := l["format"].(string); ok && v != "" {
			cfg.Log.Format = v
		}
	}

	return cfg, cfg.Validate()
}

// Validate reports settings no component can act on.
func (c *Config) Validate() error {
	switch c.Persistence.Driver {
	case DriverFile, DriverSQLite, DriverMemory:
	case DriverS3:
		if c.Persistence.S3.Bucket == "" {
			return fmt.Errorf("config: persistence.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("config: unknown persistence.driver %q", c.Persistence.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Save writes cfg to path in the same layout Load reads.
func Save(path string, cfg *Config) error {
	raw := map[string]any{
		"state_dir": cfg.StateDir,
		"sync":      cfg.Sync,
		"persistence": map[string]any{
			"driver":   cfg.Persistence.Driver,
			"autosave": cfg.Persistence.AutoSave,
			"s3": map[string]any{
				"bucket":   cfg.Persistence.S3.Bucket,
				"prefix":   cfg.Persistence.S3.Prefix,
				"region":   cfg.Persistence.S3.Region,
				"endpoint": cfg.Persistence.S3.Endpoint,
			},
		},
		"remote": map[string]any{
			"url":     cfg.Remote.URL,
			"timeout": cfg.Remote.Timeout.String(),
		},
		"hub": map[string]any{
			"addr": cfg.Hub.Addr,
			"db":   cfg.Hub.DB,
		},
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// ResolveStateDir returns the directory the file driver writes to.
func (c *Config) ResolveStateDir(home string) string {
	if c.StateDir == "" {
		return filepath.Join(home, "state")
	}
	if !filepath.IsAbs(c.StateDir) && !strings.HasPrefix(c.StateDir, "~/") {
		return filepath.Join(home, c.StateDir)
	}
	p, err := normalizePath(c.StateDir)
	if err != nil {
		return c.StateDir
	}
	return p
}

// ResolveHubDB returns the hub database path.
func (c *Config) ResolveHubDB(home string) string {
	if filepath.IsAbs(c.Hub.DB) {
		return c.Hub.DB
	}
	return filepath.Join(home, c.Hub.DB)
}

// ---------------------------------------------------------------------------
// Home resolution
// ---------------------------------------------------------------------------

// globalConfigPath returns the path to the global scrybe config file.
// This file stores only home (and future global settings).
func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "scrybe", "config.yaml"), nil
}

// normalizePath expands ~ and makes the path absolute.
func normalizePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(os.ExpandEnv(path))
}

// ResolveHome returns the scrybe home path and the source of the resolution.
// Priority: flag → SCRYBE_HOME env → persisted global config → ~/.scrybe
// source is one of "flag", "env", "config", or "default".
func ResolveHome(flag string) (path, source string) {
	if flag != "" {
		if p, err := normalizePath(flag); err == nil {
			return p, "flag"
		}
	}

	if env := os.Getenv("SCRYBE_HOME"); env != "" {
		p, err := normalizePath(env)
		if err == nil {
			return p, "env"
		}
	}

	if persisted, ok, _ := GetPersistedHome(); ok {
		return persisted, "config"
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".scrybe"), "default"
}

// GetPersistedHome reads home from the global config.
// Returns ("", false, nil) if not set.
func GetPersistedHome() (string, bool, error) {
	cfgPath, err := globalConfigPath()
	if err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", false, nil
	}

	val, _ := raw["home"].(string)
	val = strings.TrimSpace(val)
	if val == "" {
		return "", false, nil
	}

	p, err := normalizePath(val)
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

// SetPersistedHome normalizes path and persists it in the global config.
// Returns the normalized path.
func SetPersistedHome(path string) (string, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return "", err
	}

	cfgPath, err := globalConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return "", err
	}

	// Read existing global config, preserving any other keys.
	var raw map[string]any
	if data, err := os.ReadFile(cfgPath); err == nil {
		_ = yaml.Unmarshal(data, &raw)
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	raw["home"] = normalized

	out, err := yaml.Marshal(raw)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(cfgPath, out, 0o600); err != nil {
		return "", err
	}
	return normalized, nil
}

// ClearPersistedHome removes home from the global config.
// Returns true if the key was present and removed.
// If the file becomes empty after removal it is deleted.
func ClearPersistedHome() (bool, error) {
	cfgPath, err := globalConfigPath()
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return false, nil
	}

	if _, ok := raw["home"]; !ok {
		return false, nil
	}
	delete(raw, "home")

	if len(raw) == 0 {
		_ = os.Remove(cfgPath)
		return true, nil
	}

	out, err := yaml.Marshal(raw)
	if err != nil {
		return false, err
	}
	return true, os.WriteFile(cfgPath, out, 0o600)
}
