package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":31050", cfg.Listen)
	assert.Equal(t, rendercontext.Options{Type: rendercontext.PBuffer, DoubleBuffered: true}, cfg.ContextOptions())
	assert.Equal(t, rendercontext.Limits{MaxWidth: 4096, MaxHeight: 4096}, cfg.Limits())
	assert.False(t, cfg.S3Enabled())
}

func TestParse(t *testing.T) {
	t.Run("empty document keeps defaults", func(t *testing.T) {
		cfg, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg, err := Parse([]byte(`
listen: 127.0.0.1:4000
admin_listen: 127.0.0.1:9090
context:
  type: pbuffer
  display: ":1"
  double_buffered: false
render:
  max_width: 1920
volumes:
  root: /data/volumes
  cache:
    backend: redis
    ttl: 90s
    redis_addr: localhost:6379
  s3:
    region: eu-west-1
    endpoint: http://minio:9000
log:
  level: debug
  dir: /var/log/volserve
`))
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:4000", cfg.Listen)
		assert.Equal(t, "127.0.0.1:9090", cfg.AdminListen)
		assert.Equal(t, rendercontext.Options{Type: rendercontext.PBuffer, DisplayName: ":1"}, cfg.ContextOptions())
		assert.Equal(t, 1920, cfg.Render.MaxWidth)
		assert.Equal(t, 4096, cfg.Render.MaxHeight)
		assert.Equal(t, 90*time.Second, cfg.Volumes.Cache.TTL)
		assert.Equal(t, "volserve:volume:", cfg.Volumes.Cache.RedisPrefix)
		assert.True(t, cfg.S3Enabled())
		assert.Equal(t, "http://minio:9000", cfg.S3().Endpoint)
		assert.Equal(t, "/var/log/volserve", cfg.LogFileOptions().Dir)
		assert.Equal(t, 100, cfg.LogFileOptions().MaxSizeMB)
	})

	t.Run("window context rejected", func(t *testing.T) {
		_, err := Parse([]byte("context:\n  type: window\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "context.type")
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Parse([]byte("listne: :1\n"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"context type", func(c *Config) { c.Context.Type = "gpu" }, "context.type"},
		{"window context", func(c *Config) { c.Context.Type = "window" }, "use pbuffer"},
		{"viewport", func(c *Config) { c.Render.MaxHeight = 0 }, "render"},
		{"cache backend", func(c *Config) { c.Volumes.Cache.Backend = "memcached" }, "volumes.cache.backend"},
		{"redis without address", func(c *Config) { c.Volumes.Cache.Backend = CacheRedis }, "redis_addr"},
		{"negative ttl", func(c *Config) { c.Volumes.Cache.TTL = -time.Second }, "ttl"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("errors are joined", func(t *testing.T) {
		cfg := Default()
		cfg.Listen = ""
		cfg.Log.Level = "loud"
		err := cfg.Validate()
		assert.Contains(t, err.Error(), "listen")
		assert.Contains(t, err.Error(), "log.level")
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :5000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Listen)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
