// Package config loads and validates host engine configuration from
// environment variables, with an optional YAML bootstrap file layered
// underneath for settings (like a long controller endpoint list) that are
// unwieldy as a single env var.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileConfig is the shape of the optional YAML bootstrap file.
type fileConfig struct {
	Controllers []string          `yaml:"controllers"`
	Config      map[string]string `yaml:"configuration"`
}

// Config holds host engine configuration. Immutable fields are set once
// at Load() time. Mutable fields (SyncDeployment, ServerLocation) are
// protected by an RWMutex since the controller client reads them in a
// background goroutine while an operator surface may write them at
// runtime.
type Config struct {
	ServerID            string
	ServerName          string
	DBPath              string
	LogJSON             bool
	Controllers         []string
	StoreKind           string // "bolt" or "file"
	ControllerTransport string // "http" or "grpc"

	mu             sync.RWMutex
	syncDeployment bool
	serverLocation string
}

// NewTestConfig returns a Config with sensible defaults for tests.
func NewTestConfig() *Config {
	return &Config{
		ServerID:            "test-server",
		ServerName:          "test-server",
		DBPath:              ":memory:",
		StoreKind:           "file",
		ControllerTransport: "http",
		syncDeployment:      false,
		serverLocation:      "http://localhost:8230/services/rest/server",
	}
}

// Load reads configuration from environment variables, optionally
// layering a YAML file named by HOSTD_CONFIG_FILE underneath.
func Load() *Config {
	cfg := &Config{
		ServerID:            envStr("HOSTD_SERVER_ID", "default-server"),
		ServerName:          envStr("HOSTD_SERVER_NAME", "default-server"),
		DBPath:              envStr("HOSTD_DB_PATH", "/data/hostd.db"),
		LogJSON:             envBool("HOSTD_LOG_JSON", true),
		StoreKind:           envStr("HOSTD_STORE_KIND", "bolt"),
		ControllerTransport: envStr("HOSTD_CONTROLLER_TRANSPORT", "http"),
		syncDeployment:      envBool("HOSTD_SYNC_DEPLOYMENT", false),
		serverLocation:      envStr("HOSTD_SERVER_LOCATION", "http://localhost:8230/services/rest/server"),
	}

	if ctrl := envStr("HOSTD_CONTROLLERS", ""); ctrl != "" {
		cfg.Controllers = splitNonEmpty(ctrl, ",")
	}

	if path := os.Getenv("HOSTD_CONFIG_FILE"); path != "" {
		if fc, err := loadFile(path); err == nil {
			if len(cfg.Controllers) == 0 {
				cfg.Controllers = fc.Controllers
			}
			if v, ok := fc.Config["sync-deployment"]; ok && os.Getenv("HOSTD_SYNC_DEPLOYMENT") == "" {
				cfg.syncDeployment = v == "true"
			}
			if v, ok := fc.Config["server-location"]; ok && os.Getenv("HOSTD_SERVER_LOCATION") == "" {
				cfg.serverLocation = v
			}
		}
	}

	return cfg
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}
	return &fc, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerID == "" {
		errs = append(errs, errors.New("HOSTD_SERVER_ID must not be empty"))
	}
	switch c.StoreKind {
	case "bolt", "file":
	default:
		errs = append(errs, fmt.Errorf("HOSTD_STORE_KIND must be bolt or file, got %q", c.StoreKind))
	}
	switch c.ControllerTransport {
	case "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("HOSTD_CONTROLLER_TRANSPORT must be http or grpc, got %q", c.ControllerTransport))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	sd := c.syncDeployment
	loc := c.serverLocation
	c.mu.RUnlock()

	return map[string]string{
		"HOSTD_SERVER_ID":             c.ServerID,
		"HOSTD_SERVER_NAME":           c.ServerName,
		"HOSTD_DB_PATH":               c.DBPath,
		"HOSTD_STORE_KIND":            c.StoreKind,
		"HOSTD_CONTROLLER_TRANSPORT":  c.ControllerTransport,
		"HOSTD_LOG_JSON":              fmt.Sprintf("%t", c.LogJSON),
		"HOSTD_CONTROLLERS":           strings.Join(c.Controllers, ","),
		"sync-deployment":             fmt.Sprintf("%t", sd),
		"server-location":             loc,
	}
}

// SyncDeployment returns the current sync-deployment flag (thread-safe).
func (c *Config) SyncDeployment() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncDeployment
}

// SetSyncDeployment updates the sync-deployment flag at runtime (thread-safe).
func (c *Config) SetSyncDeployment(b bool) {
	c.mu.Lock()
	c.syncDeployment = b
	c.mu.Unlock()
}

// ServerLocation returns the current server-location value (thread-safe).
func (c *Config) ServerLocation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverLocation
}

// SetServerLocation updates the server-location value at runtime (thread-safe).
func (c *Config) SetServerLocation(s string) {
	c.mu.Lock()
	c.serverLocation = s
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
