package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/perms"
	"github.com/HyperSystemsDev/hyperhomes/pkg/teleport"
	"github.com/HyperSystemsDev/hyperhomes/pkg/world"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration. Values come from DefaultConfig,
// then the YAML file, then HYPERHOMES_* environment variables.
type Config struct {
	// Homes
	DefaultHomeLimit int    `yaml:"default_home_limit" env:"HYPERHOMES_DEFAULT_HOME_LIMIT"` // -1 = unlimited
	DefaultHomeName  string `yaml:"default_home_name" env:"HYPERHOMES_DEFAULT_HOME_NAME"`
	BedHomeName      string `yaml:"bed_home_name" env:"HYPERHOMES_BED_HOME_NAME"`
	BedSync          bool   `yaml:"bed_sync" env:"HYPERHOMES_BED_SYNC"`

	// Teleport timing
	WarmupSeconds   int     `yaml:"warmup_seconds" env:"HYPERHOMES_WARMUP_SECONDS"`
	CooldownSeconds int     `yaml:"cooldown_seconds" env:"HYPERHOMES_COOLDOWN_SECONDS"`
	CancelOnMove    bool    `yaml:"cancel_on_move" env:"HYPERHOMES_CANCEL_ON_MOVE"`
	CancelOnDamage  bool    `yaml:"cancel_on_damage" env:"HYPERHOMES_CANCEL_ON_DAMAGE"`
	MoveThreshold   float64 `yaml:"move_threshold" env:"HYPERHOMES_MOVE_THRESHOLD"`

	// Landing
	SafeTeleport    bool `yaml:"safe_teleport" env:"HYPERHOMES_SAFE_TELEPORT"`
	SafeRadius      int  `yaml:"safe_radius" env:"HYPERHOMES_SAFE_RADIUS"`
	AllowCrossWorld bool `yaml:"allow_cross_world" env:"HYPERHOMES_ALLOW_CROSS_WORLD"`

	// Storage
	Storage       string `yaml:"storage" env:"HYPERHOMES_STORAGE"` // "bolt" or "sqlite"
	BoltPath      string `yaml:"bolt_path" env:"HYPERHOMES_BOLT_PATH"`
	SQLPath       string `yaml:"sql_path" env:"HYPERHOMES_SQL_PATH"`
	SQLTimeout    int    `yaml:"sql_timeout" env:"HYPERHOMES_SQL_TIMEOUT"`       // seconds
	FlushInterval int    `yaml:"flush_interval" env:"HYPERHOMES_FLUSH_INTERVAL"` // seconds
	AuditDir      string `yaml:"audit_dir" env:"HYPERHOMES_AUDIT_DIR"`           // empty disables the audit log

	// Archive
	ArchiveDir      string `yaml:"archive_dir" env:"HYPERHOMES_ARCHIVE_DIR"`
	ArchiveInterval int    `yaml:"archive_interval" env:"HYPERHOMES_ARCHIVE_INTERVAL"` // minutes, 0 = disabled
	ArchiveRetain   int    `yaml:"archive_retain" env:"HYPERHOMES_ARCHIVE_RETAIN"`     // 0 = keep all

	// Web
	WebPort        int      `yaml:"web_port" env:"HYPERHOMES_WEB_PORT"`
	WebHost        string   `yaml:"web_host" env:"HYPERHOMES_WEB_HOST"`
	WebDomain      string   `yaml:"web_domain" env:"HYPERHOMES_WEB_DOMAIN"`
	WebCertFile    string   `yaml:"web_cert_file" env:"HYPERHOMES_WEB_CERT_FILE"`
	WebKeyFile     string   `yaml:"web_key_file" env:"HYPERHOMES_WEB_KEY_FILE"`
	WebCertDir     string   `yaml:"web_cert_dir" env:"HYPERHOMES_WEB_CERT_DIR"`
	WebCORSOrigins []string `yaml:"web_cors_origins" env:"HYPERHOMES_WEB_CORS_ORIGINS" envSeparator:","`
	WebRateLimit   int      `yaml:"web_rate_limit" env:"HYPERHOMES_WEB_RATE_LIMIT"` // requests per minute per IP

	JWTSecret string `yaml:"jwt_secret" env:"HYPERHOMES_JWT_SECRET"`
	JWTExpiry int    `yaml:"jwt_expiry" env:"HYPERHOMES_JWT_EXPIRY"` // seconds

	APIClients  []APIClient      `yaml:"api_clients"`
	Permissions perms.Config     `yaml:"permissions"`
	Blocks      []world.BlockDef `yaml:"blocks"`
}

// APIClient is a front-end allowed to log in to the API. SecretHash is a
// bcrypt hash of the client secret.
type APIClient struct {
	ID         string `yaml:"id"`
	SecretHash string `yaml:"secret_hash"`
	Admin      bool   `yaml:"admin"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultHomeLimit: 3,
		DefaultHomeName:  "home",
		BedHomeName:      "bed",
		BedSync:          true,

		WarmupSeconds:   3,
		CooldownSeconds: 5,
		CancelOnMove:    true,
		CancelOnDamage:  true,
		MoveThreshold:   0.5,

		SafeTeleport:    true,
		SafeRadius:      3,
		AllowCrossWorld: true,

		Storage:       "bolt",
		BoltPath:      "data/homes.db",
		SQLPath:       "data/homes.sqlite",
		SQLTimeout:    5,
		FlushInterval: 5,
		AuditDir:      "data/audit",

		ArchiveDir:    "backups",
		ArchiveRetain: 10,

		WebPort:      8380,
		WebRateLimit: 120,
		JWTExpiry:    86400,

		Permissions: perms.DefaultConfig(),
		Blocks:      world.DefaultBlocks(),
	}
}

// LoadConfig reads a YAML file over the defaults and applies environment
// overrides. The result is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HYPERHOMES_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.DefaultHomeLimit < -1 {
		return fmt.Errorf("config: default_home_limit must be -1 or more, got %d", c.DefaultHomeLimit)
	}
	if c.WarmupSeconds < 0 {
		return fmt.Errorf("config: warmup_seconds must not be negative")
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("config: cooldown_seconds must not be negative")
	}
	if c.MoveThreshold < 0 {
		return fmt.Errorf("config: move_threshold must not be negative")
	}
	if c.SafeRadius < 0 || c.SafeRadius > 16 {
		return fmt.Errorf("config: safe_radius must be between 0 and 16, got %d", c.SafeRadius)
	}
	if !homedb.ValidName(c.DefaultHomeName) {
		return fmt.Errorf("config: default_home_name %q: %w", c.DefaultHomeName, homedb.ErrInvalidName)
	}
	if !homedb.ValidName(c.BedHomeName) {
		return fmt.Errorf("config: bed_home_name %q: %w", c.BedHomeName, homedb.ErrInvalidName)
	}
	switch strings.ToLower(c.Storage) {
	case "bolt":
		if c.BoltPath == "" {
			return fmt.Errorf("config: bolt_path is required for bolt storage")
		}
	case "sqlite":
		if c.SQLPath == "" {
			return fmt.Errorf("config: sql_path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("config: storage must be bolt or sqlite, got %q", c.Storage)
	}
	if c.FlushInterval < 1 {
		return fmt.Errorf("config: flush_interval must be at least 1 second")
	}
	if c.WebPort < 0 || c.WebPort > 65535 {
		return fmt.Errorf("config: web_port out of range: %d", c.WebPort)
	}
	seen := make(map[string]bool, len(c.APIClients))
	for _, cl := range c.APIClients {
		if cl.ID == "" || cl.SecretHash == "" {
			return fmt.Errorf("config: api client needs id and secret_hash")
		}
		if seen[cl.ID] {
			return fmt.Errorf("config: duplicate api client %q", cl.ID)
		}
		seen[cl.ID] = true
	}
	if err := c.Permissions.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// TeleportSettings converts the timing and landing knobs for the scheduler.
func (c *Config) TeleportSettings() teleport.Settings {
	return teleport.Settings{
		Warmup:          time.Duration(c.WarmupSeconds) * time.Second,
		CancelOnMove:    c.CancelOnMove,
		CancelOnDamage:  c.CancelOnDamage,
		MoveThreshold:   c.MoveThreshold,
		SafeTeleport:    c.SafeTeleport,
		SafeRadius:      c.SafeRadius,
		AllowCrossWorld: c.AllowCrossWorld,
		DefaultHomeName: c.DefaultHomeName,
		BedHomeName:     c.BedHomeName,
		BedSync:         c.BedSync,
	}
}

// Cooldown returns the cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// FlushEvery returns the flush interval as a duration.
func (c *Config) FlushEvery() time.Duration {
	return time.Duration(c.FlushInterval) * time.Second
}

// RestartRequired reports whether moving from c to next changes settings
// that only take effect on restart.
func (c *Config) RestartRequired(next *Config) bool {
	return c.Storage != next.Storage ||
		c.BoltPath != next.BoltPath ||
		c.SQLPath != next.SQLPath ||
		c.AuditDir != next.AuditDir ||
		c.WebPort != next.WebPort ||
		c.WebHost != next.WebHost ||
		c.WebDomain != next.WebDomain ||
		c.JWTSecret != next.JWTSecret
}
