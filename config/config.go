// Package config loads and validates the gateway configuration.
//
// Configuration is layered: compiled defaults, then a YAML file, then
// EDGECACHE_* environment overrides. Durations accept a trailing "d" for
// days and byte sizes accept k/m/g suffixes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier names used throughout the gateway. Each tier maps to one versioned
// cache namespace.
const (
	TierStatic  = "static"
	TierDynamic = "dynamic"
	TierAPI     = "api"
	TierImage   = "image"
)

// Config represents the complete gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Routes      RouteConfig       `yaml:"routes"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig defines the listeners and the origin backend
type ServerConfig struct {
	// Listen is the address for intercepted client traffic
	Listen string `yaml:"listen"`
	// ControlListen serves /ws (bridge), /metrics and /healthz
	ControlListen string `yaml:"control_listen"`
	// Origin is the backend base URL all traffic is forwarded to
	Origin string `yaml:"origin"`
	// FetchTimeout bounds origin fetches. Zero means no timeout; a hung
	// fetch hangs rather than being misread as offline.
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// StorageConfig defines where durable state lives
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig defines versioning, the precache set and tier bounds
type CacheConfig struct {
	// Version names the current namespace generation (e.g. "v3").
	// Activation deletes namespaces from any other generation.
	Version string `yaml:"version"`
	// Precache is the fixed asset list fetched at install, all-or-nothing
	Precache []string `yaml:"precache"`
	// AllowOrigins lists cross-origin URLs the gateway may intercept;
	// everything else cross-origin passes through untouched
	AllowOrigins []string `yaml:"allow_origins"`

	// DynamicMaxEntries bounds the dynamic tier by entry count
	DynamicMaxEntries int `yaml:"dynamic_max_entries"`
	// ImageMaxBytes bounds the image tier by total body bytes ("50mb")
	ImageMaxBytes ByteSize `yaml:"image_max_bytes"`
	// ImageRefreshAfter triggers store-only refresh of old image entries
	ImageRefreshAfter Duration `yaml:"image_refresh_after"`
	// APIMaxAge is the hard freshness cutoff for cached API responses
	APIMaxAge Duration `yaml:"api_max_age"`
}

// RouteConfig defines the URL pattern sets the router classifies with
type RouteConfig struct {
	APIPrefixes      []string `yaml:"api_prefixes"`
	StreamPrefixes   []string `yaml:"stream_prefixes"`
	ImageExtensions  []string `yaml:"image_extensions"`
	StaticExtensions []string `yaml:"static_extensions"`
	StaticPrefixes   []string `yaml:"static_prefixes"`
}

// MaintenanceConfig defines the periodic trim/purge cadence
type MaintenanceConfig struct {
	Interval Duration `yaml:"interval"`
}

// LoggingConfig controls slog output
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the compiled-in defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			ControlListen: ":9090",
		},
		Storage: StorageConfig{
			Path: "./data",
		},
		Cache: CacheConfig{
			Version:           "v1",
			DynamicMaxEntries: 50,
			ImageMaxBytes:     ByteSize(50 * 1024 * 1024),
			ImageRefreshAfter: Duration(7 * 24 * time.Hour),
			APIMaxAge:         Duration(5 * time.Minute),
		},
		Routes: RouteConfig{
			APIPrefixes:    []string{"/api/"},
			StreamPrefixes: []string{"/api/v1/events", "/stream/"},
			ImageExtensions: []string{
				".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico",
			},
			// .html is deliberately absent: navigations go through the
			// dynamic tier so pages stay fresh.
			StaticExtensions: []string{
				".js", ".css", ".woff", ".woff2", ".ttf", ".map",
			},
			StaticPrefixes: []string{"/assets/", "/static/"},
		},
		Maintenance: MaintenanceConfig{
			Interval: Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from path layered over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envPrefix for environment variable overrides
const envPrefix = "EDGECACHE"

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(envPrefix + "_LISTEN"); val != "" {
		cfg.Server.Listen = val
	}
	if val := os.Getenv(envPrefix + "_CONTROL_LISTEN"); val != "" {
		cfg.Server.ControlListen = val
	}
	if val := os.Getenv(envPrefix + "_ORIGIN"); val != "" {
		cfg.Server.Origin = val
	}
	if val := os.Getenv(envPrefix + "_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := os.Getenv(envPrefix + "_CACHE_VERSION"); val != "" {
		cfg.Cache.Version = val
	}
	if val := os.Getenv(envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if !strings.HasPrefix(c.Server.Origin, "http://") && !strings.HasPrefix(c.Server.Origin, "https://") {
		return fmt.Errorf("server.origin must be an http(s) URL, got %q", c.Server.Origin)
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if strings.ContainsAny(c.Cache.Version, "!/ ") {
		return fmt.Errorf("cache.version %q must not contain '!', '/' or spaces", c.Cache.Version)
	}

	if c.Cache.DynamicMaxEntries <= 0 {
		return fmt.Errorf("cache.dynamic_max_entries must be positive")
	}
	if c.Cache.ImageMaxBytes <= 0 {
		return fmt.Errorf("cache.image_max_bytes must be positive")
	}
	if c.Cache.APIMaxAge <= 0 {
		return fmt.Errorf("cache.api_max_age must be positive")
	}

	for i, u := range c.Cache.Precache {
		if !strings.HasPrefix(u, "/") && !strings.HasPrefix(u, "http") {
			return fmt.Errorf("cache.precache[%d]: %q must be a path or absolute URL", i, u)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be positive")
	}

	return nil
}

// Namespace returns the versioned namespace name for a tier,
// e.g. Namespace("static") == "static-v3".
func (c *Config) Namespace(tier string) string {
	return tier + "-" + c.Cache.Version
}

// Namespaces returns the current namespace whitelist, one per tier.
func (c *Config) Namespaces() []string {
	return []string{
		c.Namespace(TierStatic),
		c.Namespace(TierDynamic),
		c.Namespace(TierAPI),
		c.Namespace(TierImage),
	}
}

// TierOf resolves a namespace name back to its tier, or "" if it does not
// belong to the current generation.
func (c *Config) TierOf(namespace string) string {
	for _, tier := range []string{TierStatic, TierDynamic, TierAPI, TierImage} {
		if c.Namespace(tier) == namespace {
			return tier
		}
	}
	return ""
}

// Duration wraps time.Duration with YAML support for day-suffixed strings
// such as "7d".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDurationWithDays(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// parseDurationWithDays parses durations that may include days (e.g. "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// ByteSize wraps int64 with YAML support for k/m/g-suffixed strings.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(parsed)
	return nil
}

// parseBytes parses sizes like "512", "64k", "50mb", "1.5g".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	last := s[len(s)-1]
	if last == 'b' {
		s = strings.TrimSpace(s[:len(s)-1])
		if s == "" {
			return 0, fmt.Errorf("invalid size")
		}
		last = s[len(s)-1]
	}
	switch last {
	case 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}
