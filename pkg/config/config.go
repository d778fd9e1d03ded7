// Package config loads node configuration from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/attestgrid/pkg/archive"
)

// Config holds node configuration.
type Config struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" | "json"

	NodeID       string `yaml:"node_id"`
	LogicVersion string `yaml:"logic_version"`
	KeysDir      string `yaml:"keys_dir"`
	// Production forbids generating keys on startup.
	Production bool `yaml:"production"`

	// DatabaseURL selects Postgres; when empty the node runs on SQLite.
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`

	Archive archive.Config `yaml:"archive"`

	JWTSecret string `yaml:"jwt_secret"`
	// CORSOrigins lists browser origins allowed to call the node; "*" admits any.
	CORSOrigins      []string `yaml:"cors_origins"`
	RateLimitRPS     float64  `yaml:"rate_limit_rps"`
	RateLimitBurst   int      `yaml:"rate_limit_burst"`
	StatsSampleLimit int      `yaml:"stats_sample_limit"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration of a local development node.
func Default() *Config {
	return &Config{
		Addr:             ":8000",
		LogLevel:         "INFO",
		LogFormat:        "text",
		NodeID:           "default-node",
		LogicVersion:     "1.0.0",
		KeysDir:          ".keys",
		SQLitePath:       "receipts.db",
		RateLimitRPS:     20,
		RateLimitBurst:   40,
		StatsSampleLimit: 500,
		CORSOrigins:      []string{"*"},
		OTLPEndpoint:     "localhost:4317",
	}
}

// Load returns defaults overridden by environment variables.
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile overlays a YAML file on the defaults, then applies environment
// variables on top.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("ATTESTGRID_ADDR", &c.Addr)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("NODE_ID", &c.NodeID)
	envString("LOGIC_VERSION", &c.LogicVersion)
	envString("KEYS_DIR", &c.KeysDir)
	envBool("ATTESTGRID_PRODUCTION", &c.Production)
	envString("DATABASE_URL", &c.DatabaseURL)
	envString("SQLITE_PATH", &c.SQLitePath)
	envString("REDIS_ADDR", &c.RedisAddr)

	var archiveType string
	if envString("ARCHIVE_STORAGE_TYPE", &archiveType) {
		c.Archive.Type = archive.StoreType(strings.ToLower(archiveType))
	}
	envString("ARCHIVE_DIR", &c.Archive.Dir)
	envString("ARCHIVE_BUCKET", &c.Archive.Bucket)
	if !envString("ARCHIVE_REGION", &c.Archive.Region) {
		envString("AWS_REGION", &c.Archive.Region)
	}
	envString("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	envString("ARCHIVE_PREFIX", &c.Archive.Prefix)

	envString("ATTEST_JWT_SECRET", &c.JWTSecret)
	envList("CORS_ORIGINS", &c.CORSOrigins)
	envFloat("RATE_LIMIT_RPS", &c.RateLimitRPS)
	envInt("RATE_LIMIT_BURST", &c.RateLimitBurst)
	envInt("STATS_SAMPLE_LIMIT", &c.StatsSampleLimit)
	envBool("OTEL_ENABLED", &c.OTelEnabled)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if _, err := semver.StrictNewVersion(c.LogicVersion); err != nil {
		return fmt.Errorf("logic_version %q is not a semantic version: %w", c.LogicVersion, err)
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("either database_url or sqlite_path is required")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limits must be positive (rps=%v burst=%d)", c.RateLimitRPS, c.RateLimitBurst)
	}
	if c.StatsSampleLimit <= 0 {
		return fmt.Errorf("stats_sample_limit must be positive, got %d", c.StatsSampleLimit)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Archive.Type {
	case archive.StoreTypeNone, archive.StoreTypeFS, archive.StoreTypeS3, archive.StoreTypeGCS:
	default:
		return fmt.Errorf("unsupported archive storage type %q", c.Archive.Type)
	}
	return nil
}

// SlogLevel parses LogLevel ("DEBUG", "info", "WARN+2", ...).
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// UsesPostgres reports whether receipts live in Postgres rather than SQLite.
func (c *Config) UsesPostgres() bool { return c.DatabaseURL != "" }

func envString(key string, dst *string) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return false
	}
	*dst = v
	return true
}

func envBool(key string, dst *bool) {
	var raw string
	if !envString(key, &raw) {
		return
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("ignoring invalid boolean env var", "key", key, "value", raw)
		return
	}
	*dst = b
}

func envInt(key string, dst *int) {
	var raw string
	if !envString(key, &raw) {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring invalid integer env var", "key", key, "value", raw)
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	var raw string
	if !envString(key, &raw) {
		return
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("ignoring invalid number env var", "key", key, "value", raw)
		return
	}
	*dst = f
}

// envList reads a comma-separated list. "none" clears it.
func envList(key string, dst *[]string) {
	var raw string
	if !envString(key, &raw) {
		return
	}
	if strings.EqualFold(strings.TrimSpace(raw), "none") {
		*dst = nil
		return
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	*dst = out
}
