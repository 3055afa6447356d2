package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Download    DownloadConfig  `toml:"download"`
	Auth        AuthConfig      `toml:"auth"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
	Webhook     WebhookConfig   `toml:"webhook"`
	Vault       VaultConfig     `toml:"vault"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port             int    `toml:"port"`
	Host             string `toml:"host"`
	PublicBaseURL    string `toml:"public_base_url"`    // External URL used in webhook payload links
	MaxContentLength int64  `toml:"max_content_length"` // Maximum request body size in bytes
}

type StorageConfig struct {
	Dir            string `toml:"dir"`             // Root directory for downloaded artifacts
	RetentionHours int    `toml:"retention_hours"` // Hours before an artifact is auto-deleted
}

type QueueConfig struct {
	Workers       int `toml:"workers"`        // Number of worker goroutines
	MaxConcurrent int `toml:"max_concurrent"` // Max downloads with an active subprocess
	Size          int `toml:"size"`           // Bounded queue depth; submissions beyond it are rejected
}

type DownloadConfig struct {
	BinaryPath         string   `toml:"binary_path"`          // Path to the yt-dlp binary
	DefaultTimeoutSec  int      `toml:"default_timeout_sec"`  // Per-job deadline when the request omits one
	ProgressTimeoutSec int      `toml:"progress_timeout_sec"` // Stall window: fail if no progress within it
	AllowedDomains     []string `toml:"allowed_domains"`      // Host allow-list; empty allows all
}

type AuthConfig struct {
	APIKey  string `toml:"api_key"`
	Require bool   `toml:"require"` // Enforce X-API-Key on non-exempt endpoints
}

type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`   // Token refill rate per principal
	Burst int     `toml:"burst"` // Bucket capacity
}

type WebhookConfig struct {
	Enable     bool   `toml:"enable"`
	Secret     string `toml:"secret"`      // Process-wide HMAC key
	TimeoutSec int    `toml:"timeout_sec"` // Per-attempt timeout
	MaxRetries int    `toml:"max_retries"`
}

type VaultConfig struct {
	Dir           string `toml:"dir"`            // Must lie outside storage.dir so /files can never serve it
	EncryptionKey string `toml:"encryption_key"` // 64 hex chars = 32 bytes; auto-generated if empty
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns the configuration defaults applied before any file
// or environment override.
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			Port:             8080,
			Host:             "0.0.0.0",
			MaxContentLength: 10 * 1024 * 1024,
		},
		Storage: StorageConfig{
			Dir:            "./downloads",
			RetentionHours: 24,
		},
		Queue: QueueConfig{
			Workers:       2,
			MaxConcurrent: 2,
			Size:          50,
		},
		Download: DownloadConfig{
			BinaryPath:         "yt-dlp",
			DefaultTimeoutSec:  3600,
			ProgressTimeoutSec: 300,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
		Webhook: WebhookConfig{
			Enable:     true,
			TimeoutSec: 10,
			MaxRetries: 3,
		},
		Vault: VaultConfig{
			Dir: "./data/cookies",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration in priority order:
// defaults -> file1 -> file2 -> ... -> environment variables.
// Later files override earlier ones; the environment overrides all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = v
	}
	if v := os.Getenv("MAX_CONTENT_LENGTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxContentLength = n
		}
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := os.Getenv("FILE_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.RetentionHours = n
		}
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_DOWNLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxConcurrent = n
		}
	}
	if v := os.Getenv("QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Size = n
		}
	}
	if v := os.Getenv("DEFAULT_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Download.DefaultTimeoutSec = n
		}
	}
	if v := os.Getenv("PROGRESS_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Download.ProgressTimeoutSec = n
		}
	}
	if v := os.Getenv("ALLOWED_DOMAINS"); v != "" {
		cfg.Download.AllowedDomains = nil
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.Download.AllowedDomains = append(cfg.Download.AllowedDomains, d)
			}
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("REQUIRE_API_KEY"); v != "" {
		cfg.Auth.Require = parseBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("WEBHOOK_ENABLE"); v != "" {
		cfg.Webhook.Enable = parseBool(v)
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("WEBHOOK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Webhook.TimeoutSec = n
		}
	}
	if v := os.Getenv("WEBHOOK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Webhook.MaxRetries = n
		}
	}
	if v := os.Getenv("COOKIE_ENCRYPTION_KEY"); v != "" {
		cfg.Vault.EncryptionKey = v
	}
	if v := os.Getenv("COOKIE_VAULT_DIR"); v != "" {
		cfg.Vault.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be >= 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxConcurrent < c.Queue.Workers {
		return fmt.Errorf("queue.max_concurrent (%d) must be >= queue.workers (%d)",
			c.Queue.MaxConcurrent, c.Queue.Workers)
	}
	if c.Queue.Size < 1 {
		return fmt.Errorf("queue.size must be >= 1, got %d", c.Queue.Size)
	}
	if c.Storage.RetentionHours < 1 {
		return fmt.Errorf("storage.retention_hours must be >= 1, got %d", c.Storage.RetentionHours)
	}
	if c.Download.DefaultTimeoutSec < 1 {
		return fmt.Errorf("download.default_timeout_sec must be >= 1, got %d", c.Download.DefaultTimeoutSec)
	}
	if c.Auth.Require && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.require is set but auth.api_key is empty")
	}
	if key := c.Vault.EncryptionKey; key != "" && len(key) != 64 {
		return fmt.Errorf("vault.encryption_key must be 64 hex characters (32 bytes), got %d", len(key))
	}
	if isSubPath(c.Storage.Dir, c.Vault.Dir) {
		return fmt.Errorf("vault.dir (%s) must not be inside storage.dir (%s)", c.Vault.Dir, c.Storage.Dir)
	}
	return nil
}

// DefaultTimeout returns the per-job deadline as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Download.DefaultTimeoutSec) * time.Second
}

// ProgressTimeout returns the stall window as a duration.
func (c *Config) ProgressTimeout() time.Duration {
	return time.Duration(c.Download.ProgressTimeoutSec) * time.Second
}

// Retention returns the artifact retention period as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionHours) * time.Hour
}

// isSubPath reports whether child lies at or beneath parent after
// normalization. Both paths are compared lexically.
func isSubPath(parent, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
