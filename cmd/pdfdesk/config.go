package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pdfdesk/convert"
	"github.com/hazyhaar/pdfdesk/observability"
	"github.com/hazyhaar/pdfdesk/shield"
)

// Config holds the full pdfdesk configuration.
type Config struct {
	Listen        string                        `yaml:"listen"`
	DBPath        string                        `yaml:"db_path"`
	ObsDBPath     string                        `yaml:"observability_db_path"`
	LogLevel      string                        `yaml:"log_level"`
	DefaultAuthor string                        `yaml:"default_author"`
	History       HistoryConfig                 `yaml:"history"`
	Watch         WatchConfig                   `yaml:"watch"`
	Converter     ConverterConfig               `yaml:"converter"`
	Upload        UploadConfig                  `yaml:"upload"`
	MCP           MCPConfig                     `yaml:"mcp"`
	CORS          shield.CORSConfig             `yaml:"cors"`
	RateLimits    []RateLimit                   `yaml:"rate_limits"`
	Retention     observability.RetentionConfig `yaml:"retention"`
}

// HistoryConfig tunes every document's undo/redo manager.
type HistoryConfig struct {
	MaxDepth          int   `yaml:"max_depth"`
	SettleMs          int64 `yaml:"settle_ms"`
	SettlePerRecordMs int64 `yaml:"settle_per_record_ms"`
	SkipUnchanged     bool  `yaml:"skip_unchanged"`
}

// WatchConfig tunes the store observation loop.
type WatchConfig struct {
	IntervalMs       int64 `yaml:"interval_ms"`
	DebounceMs       int64 `yaml:"debounce_ms"`
	RoutesIntervalMs int64 `yaml:"routes_interval_ms"`
}

// ConverterConfig describes the remote conversion service.
type ConverterConfig struct {
	URL              string            `yaml:"url"`
	TimeoutMs        int64             `yaml:"timeout_ms"`
	MaxRetries       int               `yaml:"max_retries"`
	BackoffMs        int64             `yaml:"backoff_ms"`
	BreakerThreshold int               `yaml:"breaker_threshold"`
	BreakerResetMs   int64             `yaml:"breaker_reset_ms"`
	CacheSize        int               `yaml:"cache_size"`
	AllowPrivate     bool              `yaml:"allow_private"` // the converter usually runs on the same host
	Headers          map[string]string `yaml:"headers"`
}

// UploadConfig bounds request bodies.
type UploadConfig struct {
	MaxMB int `yaml:"max_mb"`
}

// MCPConfig toggles the MCP endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RateLimit is one seeded rule of the rate_limits table.
type RateLimit struct {
	Endpoint      string `yaml:"endpoint"` // "METHOD /path", trailing * for a prefix
	MaxRequests   int    `yaml:"max_requests"`
	WindowSeconds int    `yaml:"window_seconds"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:        ":8090",
		DBPath:        "data/pdfdesk.db",
		ObsDBPath:     "data/observability.db",
		LogLevel:      "info",
		DefaultAuthor: "Guest",
		History: HistoryConfig{
			MaxDepth: 50,
			SettleMs: 50,
		},
		Watch: WatchConfig{
			IntervalMs:       250,
			DebounceMs:       100,
			RoutesIntervalMs: 2000,
		},
		Converter: ConverterConfig{
			TimeoutMs:        120_000,
			MaxRetries:       1,
			BackoffMs:        500,
			BreakerThreshold: 5,
			BreakerResetMs:   30_000,
			CacheSize:        64,
			AllowPrivate:     true,
		},
		Upload: UploadConfig{MaxMB: 50},
		MCP:    MCPConfig{Enabled: true, Path: "/mcp"},
		RateLimits: []RateLimit{
			{Endpoint: "POST /api/convert/*", MaxRequests: 30, WindowSeconds: 60},
			{Endpoint: "POST /api/documents", MaxRequests: 60, WindowSeconds: 60},
		},
		Retention: observability.RetentionConfig{MetricsDays: 7, AuditDays: 30},
	}
}

// LoadConfig reads path over DefaultConfig, applies the environment
// overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Listen = env("PDFDESK_LISTEN", c.Listen)
	c.DBPath = env("PDFDESK_DB", c.DBPath)
	c.LogLevel = env("PDFDESK_LOG_LEVEL", c.LogLevel)
	c.Converter.URL = env("CONVERTER_URL", c.Converter.URL)
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ObsDBPath == "" {
		return fmt.Errorf("observability_db_path is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	if c.History.MaxDepth <= 0 {
		return fmt.Errorf("history.max_depth must be > 0")
	}
	if c.History.SettleMs < 0 || c.History.SettlePerRecordMs < 0 {
		return fmt.Errorf("history settle delays must be >= 0")
	}
	if c.Watch.IntervalMs <= 0 || c.Watch.RoutesIntervalMs <= 0 {
		return fmt.Errorf("watch intervals must be > 0")
	}
	if c.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounce_ms must be >= 0")
	}
	if c.Converter.URL != "" && !strings.HasPrefix(c.Converter.URL, "http://") && !strings.HasPrefix(c.Converter.URL, "https://") {
		return fmt.Errorf("converter.url must be an http(s) URL, got %q", c.Converter.URL)
	}
	if c.Converter.TimeoutMs <= 0 {
		return fmt.Errorf("converter.timeout_ms must be > 0")
	}
	if c.Converter.MaxRetries < 0 {
		return fmt.Errorf("converter.max_retries must be >= 0")
	}
	if c.Upload.MaxMB <= 0 {
		return fmt.Errorf("upload.max_mb must be > 0")
	}
	if c.MCP.Enabled && !strings.HasPrefix(c.MCP.Path, "/") {
		return fmt.Errorf("mcp.path must start with /")
	}
	for i, rl := range c.RateLimits {
		if rl.Endpoint == "" || rl.MaxRequests <= 0 || rl.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limits[%d]: endpoint, max_requests and window_seconds are required", i)
		}
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.Upload.MaxMB) << 20 }

// MaxBodyBytes leaves room for the base64 expansion of a maximal upload.
func (c *Config) MaxBodyBytes() int64 { return c.MaxUploadBytes()*4/3 + 1<<20 }

func (c *Config) routeSettings() convert.RouteSettings {
	return convert.RouteSettings{
		BaseURL:          c.Converter.URL,
		TimeoutMs:        c.Converter.TimeoutMs,
		MaxRetries:       c.Converter.MaxRetries,
		BackoffMs:        c.Converter.BackoffMs,
		BreakerThreshold: c.Converter.BreakerThreshold,
		BreakerResetMs:   c.Converter.BreakerResetMs,
		Headers:          c.Converter.Headers,
	}
}

func ms(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
