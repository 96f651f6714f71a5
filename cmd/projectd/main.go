// projectd serves a directory of projects over HTTP.
//
// Each project is a directory holding metadata.json and a files/ tree. The
// server keeps every active project in memory, applies file operations to
// disk and tree together, and pushes changes to SSE subscribers.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/projectd/internal/api"
	"github.com/fruitsalade/projectd/internal/config"
	"github.com/fruitsalade/projectd/internal/events"
	"github.com/fruitsalade/projectd/internal/logging"
	"github.com/fruitsalade/projectd/internal/metrics"
	"github.com/fruitsalade/projectd/internal/registry"
	"github.com/fruitsalade/projectd/internal/storage"
	"github.com/fruitsalade/projectd/internal/storage/local"
	s3mirror "github.com/fruitsalade/projectd/internal/storage/s3"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("projectd starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("projects", cfg.ProjectsPath))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := local.New(local.Config{
		RootPath:   cfg.ProjectsPath,
		CreateDirs: true,
	})
	if err != nil {
		logging.Fatal("projects directory unavailable", zap.Error(err))
	}
	defer backend.Close()

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		logging.Fatal("upload directory unavailable", zap.Error(err))
	}

	// Optional metadata mirror
	var mirror storage.Mirror
	if cfg.MirrorEnabled() {
		m, err := s3mirror.New(ctx, s3mirror.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3MirrorBucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logging.Fatal("S3 mirror init failed", zap.Error(err))
		}
		mirror = m
		logging.Info("metadata mirror enabled", zap.String("bucket", cfg.S3MirrorBucket))
	}

	reg := registry.New(backend, registry.Options{
		Mirror:          mirror,
		LoadConcurrency: cfg.LoadConcurrency,
	})

	// The registry must be fully loaded before the first request.
	start := time.Now()
	if err := reg.Load(ctx); err != nil {
		logging.Fatal("loading projects failed", zap.Error(err))
	}
	logging.Info("projects loaded",
		zap.Int("count", len(reg.GetProjects(ctx))),
		zap.Duration("took", time.Since(start)))

	notifier := events.NewNotifier()
	reg.Subscribe(notifier)

	srv := api.NewServer(reg, notifier, cfg.UploadDir, cfg.MaxUploadSize)

	// Start metrics server. It also carries the runtime log level.
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", metrics.Handler())
	adminMux.Handle("/loglevel", logging.LevelHandler())
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: adminMux,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logging.Info("shutting down...")

		// SSE streams never finish on their own.
		notifier.Close()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-stopped
}
