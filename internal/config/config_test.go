package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load("", home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Index.DataDir != home {
		t.Errorf("Index.DataDir = %q, want %q", cfg.Index.DataDir, home)
	}
	if cfg.Spotify.Market != "US" {
		t.Errorf("Spotify.Market = %q, want US", cfg.Spotify.Market)
	}
	if cfg.Spotify.RateLimitQPS != 5 {
		t.Errorf("Spotify.RateLimitQPS = %v, want 5", cfg.Spotify.RateLimitQPS)
	}
	if cfg.Server.APIPort != 8765 {
		t.Errorf("Server.APIPort = %d, want 8765", cfg.Server.APIPort)
	}
	if got, want := cfg.IndexPath(), filepath.Join(home, "index.db"); got != want {
		t.Errorf("IndexPath = %q, want %q", got, want)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "config.toml")
	content := `
[source]
chat_db_path = "/data/chat.db"
contacts_db_path = "/data/AddressBook.db"

[index]
schedule = "0 3 * * *"

[spotify]
market = "GB"
rate_limit_qps = 2.5
cache_ttl_days = 7

[server]
api_port = 9000
bind_addr = "0.0.0.0"
api_key = "secret"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.ChatDBPath != "/data/chat.db" {
		t.Errorf("ChatDBPath = %q", cfg.Source.ChatDBPath)
	}
	if cfg.Index.Schedule != "0 3 * * *" {
		t.Errorf("Schedule = %q", cfg.Index.Schedule)
	}
	if cfg.Spotify.Market != "GB" || cfg.Spotify.RateLimitQPS != 2.5 {
		t.Errorf("spotify section = %+v", cfg.Spotify)
	}
	if cfg.CacheTTLDays() != 7 {
		t.Errorf("CacheTTLDays = %d, want 7", cfg.CacheTTLDays())
	}
	if cfg.Server.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.Server.APIPort)
	}
}

func TestDefaultHomeEnvOverride(t *testing.T) {
	t.Setenv("CHATRACK_HOME", "/custom/chatrack")
	if got := DefaultHome(); got != "/custom/chatrack" {
		t.Errorf("DefaultHome = %q, want /custom/chatrack", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got := expandPath("~/Library/Messages/chat.db")
	want := filepath.Join(home, "Library", "Messages", "chat.db")
	if got != want {
		t.Errorf("expandPath = %q, want %q", got, want)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath(/abs/path) = %q", got)
	}
}

func TestValidateServer(t *testing.T) {
	cfg := &Config{Server: ServerConfig{BindAddr: "127.0.0.1"}}
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("loopback bind without key should be allowed: %v", err)
	}

	cfg.Server.BindAddr = "0.0.0.0"
	if err := cfg.ValidateServer(); err == nil {
		t.Error("public bind without api_key should be refused")
	}

	cfg.Server.APIKey = "secret"
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("public bind with api_key should be allowed: %v", err)
	}
}
