// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/cogtile/geotiff"
	"github.com/akhenakh/cogtile/locator"
	"github.com/akhenakh/cogtile/storage"
)

const appName = "cogtile"

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpTileServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort            int           `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort          int           `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort     int           `env:"METRICS_PORT" envDefault:"8888"`
	CogSource           string        `env:"COG_SOURCE,required"`
	TileSize            uint64        `env:"TILE_SIZE" envDefault:"256"`
	Prefetch            int           `env:"DIRECTORY_PREFETCH" envDefault:"16384"`
	CacheMaxSize        int64         `env:"DIRECTORY_CACHE_SIZE" envDefault:"16"`
	CacheItemsToPrune   uint32        `env:"DIRECTORY_CACHE_ITEMS_TO_PRUNE" envDefault:"4"`
	CacheTTL            time.Duration `env:"DIRECTORY_CACHE_TTL" envDefault:"1h"`
	HTTPTimeout         time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	SourceCheckInterval time.Duration `env:"SOURCE_CHECK_INTERVAL" envDefault:"5m"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	src, closeSource, err := storage.Open(ctx, cfg.CogSource, &http.Client{Timeout: cfg.HTTPTimeout})
	if err != nil {
		logger.Error("failed to open COG source, shutting down", "source", cfg.CogSource, "error", err)
		os.Exit(1)
	}
	defer closeSource()

	logger.Info("configuring directory cache",
		"max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune, "ttl", cfg.CacheTTL)
	dirs := geotiff.NewDirectoryCache(cfg.CacheMaxSize, cfg.CacheItemsToPrune, cfg.CacheTTL)
	defer dirs.Stop()

	loc := locator.New(src,
		locator.WithTileSize(cfg.TileSize),
		locator.WithPrefetch(cfg.Prefetch),
		locator.WithDirectoryCache(dirs),
		locator.WithLogger(logger),
		locator.WithMetrics(locator.NewMetrics(prometheus.DefaultRegisterer)),
	)

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP tile server
	g.Go(func() error {
		return startHTTPTileServer(logger, cfg, loc)
	})

	// The service only reports SERVING while the directory is readable.
	g.Go(func() error {
		return watchSource(ctx, logger, loc, healthServer, cfg.SourceCheckInterval)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpTileServer != nil {
		if err := httpTileServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP tile server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			logging.StreamServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.StreamServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer)
	grpcMetrics.InitializeMetrics(grpcHealthServer)

	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startHTTPTileServer(logger *slog.Logger, cfg Config, loc *locator.Locator) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	httpTileServer = &http.Server{Addr: addr, Handler: newTileMux(logger, loc)}
	logger.Info("HTTP tile server listening", "address", addr, "source", loc.Source().Name())

	if err := httpTileServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP tile server failed: %w", err)
	}
	return nil
}

// sourceWatcher keeps the health status in step with the COG. A source
// whose size changed has its cached directory dropped and parsed again.
type sourceWatcher struct {
	logger *slog.Logger
	loc    *locator.Locator
	health *health.Server
	size   int64
}

func (w *sourceWatcher) check(ctx context.Context) error {
	name := w.loc.Source().Name()
	if s, ok := w.loc.Source().(storage.Sizer); ok {
		size, err := s.Size(ctx)
		if err != nil {
			w.health.SetServingStatus(appName, healthpb.HealthCheckResponse_NOT_SERVING)
			return fmt.Errorf("failed to stat COG source %s: %w", name, err)
		}
		if w.size != 0 && size != w.size {
			w.logger.Info("COG source changed, reloading directory", "source", name, "old_size", w.size, "size", size)
			w.loc.Invalidate()
		}
		w.size = size
	}

	d, err := w.loc.Directory(ctx)
	if err != nil {
		w.health.SetServingStatus(appName, healthpb.HealthCheckResponse_NOT_SERVING)
		return fmt.Errorf("failed to read COG directory: %w", err)
	}
	w.logger.Debug("COG directory checked",
		"source", name, "size", w.size, "levels", len(d.ListLevels()), "scales", d.OverviewScales(), "bigtiff", d.BigTIFF())
	w.health.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// watchSource checks the source at startup and then every interval. A source
// that cannot be read keeps the service NOT_SERVING but does not stop the
// process.
func watchSource(ctx context.Context, logger *slog.Logger, loc *locator.Locator, healthServer *health.Server, interval time.Duration) error {
	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_NOT_SERVING)
	w := &sourceWatcher{logger: logger, loc: loc, health: healthServer}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.check(ctx); err != nil && ctx.Err() == nil {
			logger.Error("COG source check failed", "source", loc.Source().Name(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
