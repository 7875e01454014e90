// Package config handles loading and managing chatrack configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// SourceConfig points at the externally-owned message store.
type SourceConfig struct {
	ChatDBPath     string `toml:"chat_db_path"`     // read-only chat database
	ContactsDBPath string `toml:"contacts_db_path"` // optional contact directory database
}

// IndexConfig holds index store configuration.
type IndexConfig struct {
	DataDir  string `toml:"data_dir"`
	Schedule string `toml:"schedule"` // cron expression for background re-index ("" disables)
}

// SpotifyConfig holds remote playlist service configuration.
type SpotifyConfig struct {
	Market       string  `toml:"market"`         // ISO 3166-1 market for track lookups
	RateLimitQPS float64 `toml:"rate_limit_qps"` // request budget for the remote API
	CacheTTLDays int     `toml:"cache_ttl_days"` // link metadata cache freshness window
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort         int      `toml:"api_port"`
	APIKey          string   `toml:"api_key"`
	BindAddr        string   `toml:"bind_addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	CORSCredentials bool     `toml:"cors_credentials"`
	CORSMaxAge      int      `toml:"cors_max_age"`
}

// Config represents the chatrack configuration.
type Config struct {
	Source  SourceConfig  `toml:"source"`
	Index   IndexConfig   `toml:"index"`
	Spotify SpotifyConfig `toml:"spotify"`
	Server  ServerConfig  `toml:"server"`

	// Computed at load time, not from the config file.
	HomeDir string `toml:"-"`
}

// DefaultHome returns the default chatrack home directory.
// Respects the CHATRACK_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("CHATRACK_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrack"
	}
	return filepath.Join(home, ".chatrack")
}

// Load reads the configuration from the specified file. If path is empty,
// the default location (<home>/config.toml) is used; homeDir, when
// non-empty, overrides CHATRACK_HOME. The config file is optional.
func Load(path, homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	}

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		Source: SourceConfig{
			ChatDBPath: defaultChatDBPath(),
		},
		Index: IndexConfig{
			DataDir: homeDir,
		},
		Spotify: SpotifyConfig{
			Market:       "US",
			RateLimitQPS: 5,
			CacheTTLDays: 30,
		},
		Server: ServerConfig{
			APIPort:  8765,
			BindAddr: "127.0.0.1",
		},
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Source.ChatDBPath = expandPath(cfg.Source.ChatDBPath)
	cfg.Source.ContactsDBPath = expandPath(cfg.Source.ContactsDBPath)
	cfg.Index.DataDir = expandPath(cfg.Index.DataDir)

	return cfg, nil
}

// EnsureHomeDir creates the home directory if it does not exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.HomeDir, 0o755)
}

// ConfigFilePath returns the path to the config file location.
func (c *Config) ConfigFilePath() string {
	return filepath.Join(c.HomeDir, "config.toml")
}

// IndexPath returns the path to the engine-owned index database.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Index.DataDir, "index.db")
}

// CacheTTL returns the link metadata cache freshness window.
func (c *Config) CacheTTLDays() int {
	if c.Spotify.CacheTTLDays <= 0 {
		return 30
	}
	return c.Spotify.CacheTTLDays
}

// ValidateServer checks the server security posture before binding.
// Binding beyond loopback without an API key is refused.
func (c *Config) ValidateServer() error {
	addr := c.Server.BindAddr
	if addr == "" || addr == "127.0.0.1" || addr == "::1" || addr == "localhost" {
		return nil
	}
	if c.Server.APIKey == "" {
		return fmt.Errorf("refusing to bind %s without [server] api_key set", addr)
	}
	return nil
}

// defaultChatDBPath returns the conventional chat database location.
func defaultChatDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
