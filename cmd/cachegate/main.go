package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cachegate/cachegate/api"
	"github.com/cachegate/cachegate/cache"
	"github.com/cachegate/cachegate/config"
	"github.com/cachegate/cachegate/coordinator"
	"github.com/cachegate/cachegate/logger"
	"github.com/cachegate/cachegate/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cachegate",
	Short: "Read-through, write-invalidate cache front for an authoritative store",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cache surface over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func newLogger(cfg config.Config) logger.Logger {
	level := logger.ParseLevel(cfg.LogLevel)
	if cfg.LogJSON {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}

func serve(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg)

	ttl, err := config.Duration(cfg.TTL)
	if err != nil {
		return err
	}
	negativeTTL, err := config.Duration(cfg.NegativeTTL)
	if err != nil {
		return err
	}
	coalesceWindow, err := config.Duration(cfg.CoalesceWindow)
	if err != nil {
		return err
	}

	backing, err := store.NewSQLite(cfg.SQLitePath)
	if err != nil {
		return err
	}
	guarded := store.NewBreaker(backing, store.DefaultBreakerConfig())

	var entries cache.EntryCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if _, err := client.Ping(ctx).Result(); err != nil {
			return err
		}
		entries = cache.NewRedis(client, cache.WithTTL(ttl), cache.WithPrefix(cfg.KeyPrefix))
		log.Info("entry cache: redis")
	} else {
		entries = cache.NewInMemory(ctx, cache.WithTTL(ttl))
		log.Info("entry cache: in-memory")
	}
	defer entries.Close()

	coordOpts := []coordinator.Option{
		coordinator.WithTTL(ttl),
		coordinator.WithScope(coordinator.ParseScope(cfg.InvalidationScope)),
		coordinator.WithLogger(log),
	}
	if negativeTTL > 0 {
		coordOpts = append(coordOpts, coordinator.WithNegativeTTL(negativeTTL))
	}
	if coalesceWindow > 0 {
		coordOpts = append(coordOpts, coordinator.WithCoalesceWindow(coalesceWindow))
	}
	if cfg.WriteThrough {
		coordOpts = append(coordOpts, coordinator.WithWriteThrough())
	}
	coord := coordinator.New(entries, guarded, coordOpts...)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(coord, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on %s (scope=%s, ttl=%s)", cfg.Addr, cfg.InvalidationScope, cfg.TTL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
