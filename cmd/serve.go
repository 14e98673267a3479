package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/angeloszaimis/tile-proxy/config"
	"github.com/angeloszaimis/tile-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/tile-proxy/internal/endpoint"
	"github.com/angeloszaimis/tile-proxy/internal/handler"
	"github.com/angeloszaimis/tile-proxy/internal/healthcheck"
	"github.com/angeloszaimis/tile-proxy/internal/httpserver"
	"github.com/angeloszaimis/tile-proxy/internal/metrics"
	"github.com/angeloszaimis/tile-proxy/internal/negotiate"
	"github.com/angeloszaimis/tile-proxy/internal/network"
	"github.com/angeloszaimis/tile-proxy/internal/storage"
	"github.com/angeloszaimis/tile-proxy/internal/tiercache"
	"github.com/angeloszaimis/tile-proxy/internal/tracing"
	"github.com/angeloszaimis/tile-proxy/internal/uri"
	"github.com/angeloszaimis/tile-proxy/pkg/logger"
)

const (
	defaultStorageTimeout = 10 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultBreakerTimeout = 30 * time.Second
	metricsNamespace      = "tile_proxy"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tile proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, logFile := logger.NewWithFile(cfg.Logging.Level, true, cfg.Server.Environment, logger.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logFile.Close()

	tp, err := tracing.New(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
	})
	if err != nil {
		log.Error("Failed to initialize tracing", slog.Any("err", err))
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("Failed to flush traces", slog.Any("err", err))
		}
	}()

	var (
		exporter  *metrics.Exporter
		collector *metrics.Collector
	)
	if cfg.Metrics.Enabled {
		exporter, err = metrics.NewExporter(metricsNamespace, prometheus.NewRegistry())
		if err != nil {
			log.Error("Failed to register metrics", slog.Any("err", err))
			return err
		}
		collector = metrics.NewCollector(cfg.Metrics.BufferSize, log, exporter)
		collector.Start(ctx)
	}

	hints, err := buildHints(cfg.Storage.Cache)
	if err != nil {
		log.Error("Invalid cache rules", slog.Any("err", err))
		return err
	}

	store, closeStore := buildTierCache(ctx, cfg.Storage.Cache, hints, log)
	defer closeStore()

	client := storage.NewHTTPClient(storage.Options{
		Timeout:     config.Duration(cfg.Storage.Timeout, defaultStorageTimeout),
		MaxBodySize: cfg.Storage.Cache.MaxBodySize,
		Cache:       store,
		Breakers:    buildBreakers(cfg.CircuitBreaker, log, collector),
		Tracer:      tp.Tracer(),
	})

	tileHandler := handler.NewTileHandler(log, buildResolver(cfg), client, buildHandlerConfig(cfg, hints), collector)

	go healthcheck.HealthCheck(ctx, client, healthURL(cfg.Storage),
		config.Duration(cfg.Storage.HealthInterval, defaultHealthInterval), log,
		func(healthy bool) {
			emit(collector, metrics.MetricEvent{Type: metrics.EventHealthChanged, Healthy: healthy})
		})

	srv, err := httpserver.New(cfg.Server.Address, setupRouter(tileHandler, client, collector, exporter, cfg.PublicDomain), log)
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		return err
	}

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("Tile proxy listening",
		slog.String("addr", srv.Addr()),
		slog.String("domain", cfg.PublicDomain),
		slog.String("storage", cfg.Storage.Host),
		slog.String("cache", cfg.Storage.Cache.Mode))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting tile proxy", slog.Any("err", err))
			return err
		}
	}

	return nil
}

// buildHints turns the configured status rules into storage cache hints.
func buildHints(cfg config.CacheConfig) (storage.CacheHints, error) {
	hints := storage.CacheHints{CacheEverything: cfg.CacheEverything}

	for _, rule := range cfg.TTLByStatus {
		from, to, err := config.ParseStatusRange(rule.Statuses)
		if err != nil {
			return storage.CacheHints{}, err
		}
		hints.TTLByStatus = append(hints.TTLByStatus, storage.StatusTTL{
			From: from,
			To:   to,
			TTL:  config.Duration(rule.TTL, 0),
		})
	}

	return hints, nil
}

// buildTierCache returns a nil store when caching is off. The returned func
// releases any connection the store holds.
func buildTierCache(ctx context.Context, cfg config.CacheConfig, hints storage.CacheHints, log *slog.Logger) (tiercache.Store, func()) {
	switch cfg.Mode {
	case config.CacheModeMemory:
		return tiercache.NewMemoryStore(cfg.MaxEntries, hints.MaxTTL()), func() {}

	case config.CacheModeRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("Redis tier cache unreachable, serving from storage until it recovers",
				slog.String("addr", cfg.RedisAddr),
				slog.Any("err", err))
		}

		return tiercache.NewRedisStore(rdb, cfg.RedisPrefix, log), func() { rdb.Close() }

	default:
		return nil, func() {}
	}
}

// buildBreakers returns nil when circuit breaking is disabled.
func buildBreakers(cfg config.CircuitBreakerConfig, log *slog.Logger, collector *metrics.Collector) *circuitbreaker.Registry {
	if !cfg.Enabled {
		return nil
	}

	return circuitbreaker.NewRegistry(cfg.FailureThreshold, config.Duration(cfg.Timeout, defaultBreakerTimeout),
		func(host string, from, to circuitbreaker.State) {
			log.Warn("Circuit breaker state changed",
				slog.String("host", host),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			emit(collector, metrics.MetricEvent{Type: metrics.EventBreakerChanged, Host: host, State: to.String()})
		})
}

func buildResolver(cfg *config.Config) *endpoint.Resolver {
	networks := network.NewResolver(network.Tables{
		Networks: cfg.Networks,
		Regions:  cfg.Regions,
		Versions: cfg.Versions,
	})

	return endpoint.NewResolver(uri.NewAnalyzer(cfg.PublicDomain), networks, endpoint.Builder{
		Scheme: cfg.Storage.Scheme,
		Host:   cfg.Storage.Host,
		Bucket: cfg.Storage.Bucket,
	})
}

func buildHandlerConfig(cfg *config.Config, hints storage.CacheHints) handler.Config {
	r := cfg.Response

	return handler.Config{
		ValidatorHeader: cfg.Storage.ValidatorHeader,
		Hints:           hints,
		CacheHeaders:    negotiate.NewCacheHeaders(r.CacheMaxAge, r.CORSMaxAge, r.AllowOrigin, r.AllowMethods, r.AllowHeaders),
		Validators: negotiate.Validators{
			Placeholder:   r.PlaceholderETag,
			UpstreamError: r.UpstreamErrorETag,
		},
	}
}

// healthURL addresses the health object at the bucket root.
func healthURL(cfg config.StorageConfig) string {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/file/%s/%s", scheme, cfg.Host, cfg.Bucket, cfg.HealthObject)
}

func emit(collector *metrics.Collector, event metrics.MetricEvent) {
	if collector == nil {
		return
	}
	collector.Emit(event)
}
