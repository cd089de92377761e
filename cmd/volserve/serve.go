package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyberinferno/volserve/cacher"
	"github.com/cyberinferno/volserve/config"
	"github.com/cyberinferno/volserve/logger"
	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/server"
	"github.com/cyberinferno/volserve/transport"
	"github.com/cyberinferno/volserve/volstore"
	"github.com/cyberinferno/volserve/volume"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath string
	listen     string
	admin      string
	context    string
	logLevel   string
	volumeRoot string
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the rendering server",
		Long: `Start the rendering server.

Settings come from the YAML file given with --config, or the built-in
defaults; flags override both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().StringVarP(&flags.listen, "listen", "l", "", "Protocol listen address (default :31050)")
	cmd.Flags().StringVar(&flags.admin, "admin", "", "Admin HTTP listen address; empty disables it")
	cmd.Flags().StringVar(&flags.context, "context", "", "Render context type (pbuffer)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&flags.volumeRoot, "volume-root", "", "Directory server-side volume paths are resolved against")

	return cmd
}

// loadConfig reads the config file, if any, and applies the flags that were
// set explicitly.
func loadConfig(cmd *cobra.Command, flags serveFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}

	set := cmd.Flags().Changed
	if set("listen") {
		cfg.Listen = flags.listen
	}
	if set("admin") {
		cfg.AdminListen = flags.admin
	}
	if set("context") {
		cfg.Context.Type = flags.context
	}
	if set("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if set("volume-root") {
		cfg.Volumes.Root = flags.volumeRoot
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Log.Dir != "" {
		return logger.NewZerologFileLogger("volserve", cfg.LogFileOptions(), level)
	}

	return logger.NewZerologLogger(zerolog.New(os.Stdout), "volserve", level), nil
}

// newVolumeLoader builds the loader chain: file and S3 loaders behind a
// router, wrapped in the configured cache.
func newVolumeLoader(cfg *config.Config, log logger.Logger) (volstore.Loader, server.VolumeCache, func(), error) {
	router := &volstore.Router{File: volstore.NewFileLoader(cfg.Volumes.Root, cfg.Volumes.MaxBytes)}
	if cfg.S3Enabled() {
		router.S3 = volstore.NewS3Loader(volstore.NewS3Client(cfg.S3()), cfg.Volumes.MaxBytes)
		log.Info("s3 volume paths enabled", logger.Field{Key: "region", Value: cfg.Volumes.S3.Region})
	}

	ttl := cfg.Volumes.Cache.TTL
	switch cfg.Volumes.Cache.Backend {
	case config.CacheMemory:
		c := cacher.NewMemoryCacher[*volume.Descriptor](ttl, time.Minute)
		return volstore.NewCachedLoader(router, c, ttl), c, func() {}, nil

	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Volumes.Cache.RedisAddr})
		opts := cacher.DefaultRedisOptions()
		opts.Prefix = cfg.Volumes.Cache.RedisPrefix
		c := cacher.NewRedisCacher[*volume.Descriptor](client, volstore.VolumeCodec{MaxBytes: cfg.Volumes.MaxBytes}, opts)
		return volstore.NewCachedLoader(router, c, ttl), c, func() { _ = client.Close() }, nil

	case config.CacheNone:
		c := cacher.NewNopCacher[*volume.Descriptor]()
		return volstore.NewCachedLoader(router, c, 0), c, func() {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Volumes.Cache.Backend)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	loader, cache, closeCache, err := newVolumeLoader(cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.NewServer(server.Config{
		Name:            "volserve",
		Addr:            cfg.Listen,
		Transport:       transport.DefaultOptions(),
		Context:         cfg.ContextOptions(),
		Limits:          cfg.Limits(),
		DefaultRenderer: cfg.Render.DefaultRenderer,
		MaxVolumeBytes:  cfg.Volumes.MaxBytes,
		Logger:          log,
		Provider:        rendercontext.NewHeadlessProvider(),
		Factory:         renderer.DefaultFactory(),
		Loader:          loader,
		Cache:           cache,
		Metrics:         server.NewMetrics(reg),
	})

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	if cfg.AdminListen != "" {
		admin := &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           srv.AdminHandler(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("admin server started", logger.Field{Key: "addr", Value: cfg.AdminListen})
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server failed", logger.Field{Key: "error", Value: err})
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
