// Package config loads the YAML configuration of the volserve server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cyberinferno/volserve/logger"
	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/volstore"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the server configuration file.
type Config struct {
	Listen      string        `yaml:"listen"`
	AdminListen string        `yaml:"admin_listen"` // Empty disables the admin HTTP server
	Context     ContextConfig `yaml:"context"`
	Render      RenderConfig  `yaml:"render"`
	Volumes     VolumesConfig `yaml:"volumes"`
	Log         LogConfig     `yaml:"log"`
}

// ContextConfig selects the drawable surfaces.
type ContextConfig struct {
	Type           string `yaml:"type"` // "pbuffer"; "window" needs a display provider
	Display        string `yaml:"display"`
	DoubleBuffered bool   `yaml:"double_buffered"`
}

// RenderConfig bounds what clients may negotiate.
type RenderConfig struct {
	DefaultRenderer string `yaml:"default_renderer"`
	MaxWidth        int    `yaml:"max_width"`
	MaxHeight       int    `yaml:"max_height"`
}

// VolumesConfig configures server-side volume loading.
type VolumesConfig struct {
	Root     string      `yaml:"root"`
	MaxBytes int64       `yaml:"max_bytes"`
	Cache    CacheConfig `yaml:"cache"`
	S3       S3Config    `yaml:"s3"`
}

// CacheConfig configures the loaded-volume cache.
type CacheConfig struct {
	Backend     string        `yaml:"backend"`
	TTL         time.Duration `yaml:"ttl"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
}

// S3Config enables s3:// volume paths when Region is set.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LogConfig configures logging. Without Dir logs go to stdout only.
type LogConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":31050",
		Context: ContextConfig{
			Type:           rendercontext.PBuffer.String(),
			DoubleBuffered: true,
		},
		Render: RenderConfig{
			DefaultRenderer: renderer.SoftRayName,
			MaxWidth:        4096,
			MaxHeight:       4096,
		},
		Volumes: VolumesConfig{
			Root:     ".",
			MaxBytes: 1 << 30,
			Cache: CacheConfig{
				Backend:     CacheMemory,
				TTL:         10 * time.Minute,
				RedisPrefix: "volserve:volume:",
			},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
//
// Parameters:
//   - path: The YAML file to read
//
// Returns:
//   - The configuration, or an error if the file cannot be read or is invalid
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the server cannot use.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen: address required"))
	}

	switch typ, err := rendercontext.ParseContextType(c.Context.Type); {
	case err != nil:
		errs = append(errs, fmt.Errorf("context.type: %w", err))
	case typ == rendercontext.Window:
		errs = append(errs, errors.New("context.type: window contexts are not supported by the headless provider, use pbuffer"))
	}

	if c.Render.MaxWidth <= 0 || c.Render.MaxHeight <= 0 {
		errs = append(errs, fmt.Errorf("render: max viewport %dx%d", c.Render.MaxWidth, c.Render.MaxHeight))
	}

	if c.Volumes.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("volumes.max_bytes: %d", c.Volumes.MaxBytes))
	}

	switch c.Volumes.Cache.Backend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Volumes.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("volumes.cache.redis_addr: required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("volumes.cache.backend: unknown backend %q", c.Volumes.Cache.Backend))
	}

	if c.Volumes.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("volumes.cache.ttl: %s", c.Volumes.Cache.TTL))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// ContextOptions returns the drawable template. Validate must have passed.
func (c *Config) ContextOptions() rendercontext.Options {
	typ, _ := rendercontext.ParseContextType(c.Context.Type)
	return rendercontext.Options{
		Type:           typ,
		DisplayName:    c.Context.Display,
		DoubleBuffered: c.Context.DoubleBuffered,
	}
}

// Limits returns the maximum drawable size.
func (c *Config) Limits() rendercontext.Limits {
	return rendercontext.Limits{MaxWidth: c.Render.MaxWidth, MaxHeight: c.Render.MaxHeight}
}

// S3Enabled reports whether s3:// paths should be served.
func (c *Config) S3Enabled() bool {
	return c.Volumes.S3.Region != ""
}

// S3 returns the S3 client settings.
func (c *Config) S3() volstore.S3Config {
	return volstore.S3Config{
		Region:          c.Volumes.S3.Region,
		Endpoint:        c.Volumes.S3.Endpoint,
		AccessKeyID:     c.Volumes.S3.AccessKeyID,
		SecretAccessKey: c.Volumes.S3.SecretAccessKey,
	}
}

// LogFileOptions returns the rotating file settings.
func (c *Config) LogFileOptions() logger.FileOptions {
	return logger.FileOptions{
		Dir:        c.Log.Dir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		Compress:   c.Log.Compress,
	}
}
