package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hyperhomes.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultHomeLimit != 3 || cfg.WarmupSeconds != 3 || cfg.CooldownSeconds != 5 {
		t.Errorf("defaults = limit %d warmup %d cooldown %d", cfg.DefaultHomeLimit, cfg.WarmupSeconds, cfg.CooldownSeconds)
	}
	s := cfg.TeleportSettings()
	if s.Warmup != 3*time.Second || !s.SafeTeleport || s.DefaultHomeName != "home" {
		t.Errorf("settings = %+v", s)
	}
}

func TestLoadConfigYAMLOverridesDefaults(t *testing.T) {
	path := writeConf(t, `
default_home_limit: 10
warmup_seconds: 0
storage: sqlite
sql_path: data/test.sqlite
permissions:
  default_groups: [member]
  groups:
    member:
      nodes: [hyperhomes.home, hyperhomes.limit.5]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultHomeLimit != 10 || cfg.WarmupSeconds != 0 || cfg.Storage != "sqlite" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.CooldownSeconds != 5 {
		t.Errorf("unset key lost its default: cooldown %d", cfg.CooldownSeconds)
	}
	if _, ok := cfg.Permissions.Groups["member"]; !ok {
		t.Error("permissions section not loaded")
	}
}

func TestLoadConfigPaths(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WebPort != 8380 {
		t.Errorf("web port = %d", cfg.WebPort)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestLoadConfigEnvOverridesYAML(t *testing.T) {
	path := writeConf(t, "warmup_seconds: 7\n")
	t.Setenv("HYPERHOMES_WARMUP_SECONDS", "1")
	t.Setenv("HYPERHOMES_WEB_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WarmupSeconds != 1 {
		t.Errorf("warmup = %d, want env value 1", cfg.WarmupSeconds)
	}
	if len(cfg.WebCORSOrigins) != 2 {
		t.Errorf("cors origins = %v", cfg.WebCORSOrigins)
	}
}

func TestLoadConfigRejectsBadEnv(t *testing.T) {
	t.Setenv("HYPERHOMES_SAFE_RADIUS", "far")
	if _, err := LoadConfig(""); err == nil {
		t.Error("non-numeric env value accepted")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"limit", func(c *Config) { c.DefaultHomeLimit = -2 }, "default_home_limit"},
		{"warmup", func(c *Config) { c.WarmupSeconds = -1 }, "warmup_seconds"},
		{"radius", func(c *Config) { c.SafeRadius = 17 }, "safe_radius"},
		{"home name", func(c *Config) { c.DefaultHomeName = "my home" }, "default_home_name"},
		{"storage", func(c *Config) { c.Storage = "redis" }, "storage"},
		{"bolt path", func(c *Config) { c.BoltPath = "" }, "bolt_path"},
		{"flush", func(c *Config) { c.FlushInterval = 0 }, "flush_interval"},
		{"port", func(c *Config) { c.WebPort = 70000 }, "web_port"},
		{"client", func(c *Config) { c.APIClients = []APIClient{{ID: "lobby"}} }, "api client"},
		{"duplicate client", func(c *Config) {
			c.APIClients = []APIClient{{ID: "a", SecretHash: "x"}, {ID: "a", SecretHash: "y"}}
		}, "duplicate"},
		{"group", func(c *Config) { c.Permissions.DefaultGroups = []string{"ghost"} }, "ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestRestartRequired(t *testing.T) {
	cur := DefaultConfig()
	next := DefaultConfig()
	next.WarmupSeconds = 10
	if cur.RestartRequired(next) {
		t.Error("timing change should hot-reload")
	}
	next.Storage = "sqlite"
	if !cur.RestartRequired(next) {
		t.Error("storage change should need a restart")
	}
}
