package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/leca/schemhost/internal/api"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "config.json"

// MaxMillis is the largest millisecond setting that fits a time.Duration.
const MaxMillis = int64(math.MaxInt64 / int64(time.Millisecond))

// LimiterConfig controls the per-client slow-down applied to public routes.
type LimiterConfig struct {
	WindowMs   int64 `json:"windowMs"`
	DelayAfter int   `json:"delayAfter"`
	DelayMs    int64 `json:"delayMs"`
}

// Config holds the static JSON file settings plus the environment overrides.
type Config struct {
	Port             int           `json:"port"`
	Prune            int64         `json:"prune"`
	MaxIterations    int           `json:"maxIterations"`
	MaxSchematicSize int64         `json:"maxSchematicSize"`
	AllowedOrigin    string        `json:"allowedOrigin"`
	ConnectionLimit  int           `json:"connectionLimit"`
	Limiter          LimiterConfig `json:"limiter"`
	TrustedProxies   []string      `json:"trustedProxies"`

	// Environment only.
	DBDriver    string     `json:"-"`
	DBHost      string     `json:"-"`
	DBPort      int        `json:"-"`
	DBUser      string     `json:"-"`
	DBPassword  string     `json:"-"`
	DBName      string     `json:"-"`
	DBSSLMode   string     `json:"-"`
	DBPath      string     `json:"-"`
	StoragePath string     `json:"-"`
	S3          S3Config   `json:"-"`
	AdminToken  string     `json:"-"`
	LogLevel    slog.Level `json:"-"`
	LogFormat   string     `json:"-"`
}

// S3Config selects the object storage backend when Bucket is set.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
	UseSSL    bool
}

// Defaults returns the configuration written for a fresh install.
func Defaults() *Config {
	return &Config{
		Port:             3000,
		Prune:            int64(30 * 24 * time.Hour / time.Millisecond),
		MaxIterations:    20,
		MaxSchematicSize: 1000 * 1000,
		AllowedOrigin:    "*",
		ConnectionLimit:  5,
		Limiter: LimiterConfig{
			WindowMs:   60 * 1000,
			DelayAfter: 30,
			DelayMs:    500,
		},
		TrustedProxies: []string{},
	}
}

// Load reads the JSON file at path on top of Defaults and applies the
// environment. A missing file is created with the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write default config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	c.DBDriver = strings.ToLower(getEnv("DB_DRIVER", "postgres"))
	c.DBHost = getEnv("DB_HOST", "localhost")
	if c.DBPort, err = getEnvInt("DB_PORT", 5432); err != nil {
		return err
	}
	c.DBUser = getEnv("DB_USER", "schemhost")
	c.DBPassword = getEnv("DB_PASSWORD", "")
	c.DBName = getEnv("DB_NAME", "schemhost")
	c.DBSSLMode = getEnv("DB_SSLMODE", "disable")
	c.DBPath = getEnv("DB_PATH", filepath.Join("data", "schemhost.db"))
	c.StoragePath = getEnv("STORAGE_PATH", filepath.Join("data", "schemata"))

	c.S3 = S3Config{
		Endpoint:  getEnv("S3_ENDPOINT", ""),
		Bucket:    getEnv("S3_BUCKET", ""),
		AccessKey: getEnv("S3_ACCESS_KEY", ""),
		SecretKey: getEnv("S3_SECRET_KEY", ""),
		Prefix:    getEnv("S3_PREFIX", ""),
		UseSSL:    getEnv("S3_USE_SSL", "true") == "true",
	}

	c.AdminToken = getEnv("ADMIN_TOKEN", "")

	if c.LogLevel, err = parseLogLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	c.LogFormat = getEnv("LOG_FORMAT", "json")
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.Prune <= 0 || c.Prune > MaxMillis:
		return fmt.Errorf("prune must be between 1 and %d, got %d", MaxMillis, c.Prune)
	case c.MaxIterations < 1:
		return fmt.Errorf("maxIterations must be at least 1, got %d", c.MaxIterations)
	case c.MaxSchematicSize <= 0:
		return fmt.Errorf("maxSchematicSize must be positive, got %d", c.MaxSchematicSize)
	case c.ConnectionLimit < 1:
		return fmt.Errorf("connectionLimit must be at least 1, got %d", c.ConnectionLimit)
	case c.Limiter.WindowMs <= 0 || c.Limiter.WindowMs > MaxMillis:
		return fmt.Errorf("limiter.windowMs must be between 1 and %d, got %d", MaxMillis, c.Limiter.WindowMs)
	case c.Limiter.DelayAfter < 0 || c.Limiter.DelayMs < 0:
		return errors.New("limiter.delayAfter and limiter.delayMs must not be negative")
	case c.Limiter.DelayMs > MaxMillis:
		return fmt.Errorf("limiter.delayMs must be at most %d, got %d", MaxMillis, c.Limiter.DelayMs)
	case c.DBDriver != "postgres" && c.DBDriver != "sqlite":
		return fmt.Errorf("DB_DRIVER: unsupported driver %q (postgres, sqlite)", c.DBDriver)
	case c.LogFormat != "json" && c.LogFormat != "text":
		return fmt.Errorf("LOG_FORMAT: unsupported format %q (json, text)", c.LogFormat)
	}
	if _, err := api.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return fmt.Errorf("trustedProxies: %w", err)
	}
	return nil
}

// PruneInterval is both the sweep period and the last-accessed age threshold.
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.Prune) * time.Millisecond
}

// LimiterWindow returns the slow-down window length.
func (c *Config) LimiterWindow() time.Duration {
	return time.Duration(c.Limiter.WindowMs) * time.Millisecond
}

// LimiterDelay returns the delay added per request over the threshold.
func (c *Config) LimiterDelay() time.Duration {
	return time.Duration(c.Limiter.DelayMs) * time.Millisecond
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DatabaseDSN builds the PostgreSQL connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// SetupLogger installs the slog default logger described by cfg, writing to w.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	logger := NewLogger(cfg, w)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a JSON or text logger at cfg.LogLevel.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q (debug, info, warn, error)", s)
	}
}
