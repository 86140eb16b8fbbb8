package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  origin: http://localhost:3000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "v1", cfg.Cache.Version)
	assert.Equal(t, 50, cfg.Cache.DynamicMaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.Cache.APIMaxAge.Std())
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.ImageRefreshAfter.Std())
	assert.Equal(t, 24*time.Hour, cfg.Maintenance.Interval.Std())
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
server:
  origin: https://api.example.com/
  listen: ":9999"
cache:
  version: v7
  dynamic_max_entries: 10
  image_max_bytes: 10mb
  image_refresh_after: 3d
  api_max_age: 30s
  precache:
    - /index.html
    - /app.js
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// Trailing slash trimmed during validation
	assert.Equal(t, "https://api.example.com", cfg.Server.Origin)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, "v7", cfg.Cache.Version)
	assert.Equal(t, ByteSize(10*1024*1024), cfg.Cache.ImageMaxBytes)
	assert.Equal(t, 3*24*time.Hour, cfg.Cache.ImageRefreshAfter.Std())
	assert.Equal(t, 30*time.Second, cfg.Cache.APIMaxAge.Std())
	assert.Equal(t, []string{"/index.html", "/app.js"}, cfg.Cache.Precache)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EDGECACHE_ORIGIN", "http://env-origin:4000")
	t.Setenv("EDGECACHE_CACHE_VERSION", "v9")

	path := writeConfig(t, `
server:
  origin: http://file-origin:3000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://env-origin:4000", cfg.Server.Origin)
	assert.Equal(t, "v9", cfg.Cache.Version)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing origin", func(c *Config) { c.Server.Origin = "" }, "server.origin is required"},
		{"bad origin scheme", func(c *Config) { c.Server.Origin = "ftp://x" }, "http(s)"},
		{"bad version", func(c *Config) { c.Cache.Version = "v 1" }, "must not contain"},
		{"zero dynamic limit", func(c *Config) { c.Cache.DynamicMaxEntries = 0 }, "dynamic_max_entries"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad precache entry", func(c *Config) { c.Cache.Precache = []string{"no-slash"} }, "precache[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.Origin = "http://localhost:3000"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNamespaces(t *testing.T) {
	cfg := Default()
	cfg.Cache.Version = "v3"

	assert.Equal(t, "static-v3", cfg.Namespace(TierStatic))
	assert.Equal(t,
		[]string{"static-v3", "dynamic-v3", "api-v3", "image-v3"},
		cfg.Namespaces())

	assert.Equal(t, TierImage, cfg.TierOf("image-v3"))
	assert.Equal(t, "", cfg.TierOf("image-v2"))
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64k", 64 * 1024},
		{"50mb", 50 * 1024 * 1024},
		{"1g", 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseBytes("")
	assert.Error(t, err)
	_, err = parseBytes("-5m")
	assert.Error(t, err)
}

func TestParseDurationWithDays(t *testing.T) {
	d, err := parseDurationWithDays("14d")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	d, err = parseDurationWithDays("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = parseDurationWithDays("xd")
	assert.Error(t, err)
}
