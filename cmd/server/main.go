package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/audioshelf/internal/backend"
	"github.com/maneesh/audioshelf/internal/cache"
	"github.com/maneesh/audioshelf/internal/chunker"
	"github.com/maneesh/audioshelf/internal/config"
	"github.com/maneesh/audioshelf/internal/connectivity"
	"github.com/maneesh/audioshelf/internal/downloader"
	"github.com/maneesh/audioshelf/internal/handlers"
	"github.com/maneesh/audioshelf/internal/intercept"
	"github.com/maneesh/audioshelf/internal/logging"
	"github.com/maneesh/audioshelf/internal/netx"
	"github.com/maneesh/audioshelf/internal/resolver"
	"github.com/maneesh/audioshelf/internal/storage"
	"github.com/maneesh/audioshelf/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting audioshelf service", "service", cfg.ServiceName, "port", cfg.ServicePort, "backend", cfg.BackendURL)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint, cfg.TracingEnabled, logger)
	if err != nil {
		fatal(logger, "failed to initialize tracer", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("error shutting down tracer", "error", err)
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	chunkerInstance := chunker.NewChunker(cfg.GetChunkSizeBytes())

	store, err := openBlobStore(cfg, chunkerInstance, logger)
	if err != nil {
		fatal(logger, "failed to open blob store", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		fatal(logger, "failed to initialize blob store", err)
	}

	cacheBackend, closeCaches, err := openCacheBackend(cfg, logger)
	if err != nil {
		fatal(logger, "failed to open response caches", err)
	}
	defer closeCaches()
	caches := cache.NewStorage(cacheBackend, logger)

	// API calls get a deadline; audio transfers are bounded by their context
	apiClient := netx.NewHTTPClient(cfg.BackendTimeout)
	streamClient := netx.NewHTTPClient(0)
	backendClient := backend.NewClient(cfg.BackendURL, cfg.APIPrefix, cfg.StreamPath, apiClient)

	sig := connectivity.NewSignal(true)
	prober := connectivity.NewProber(sig, backendClient, cfg.ProbePath, cfg.ProbeInterval, logger)
	go prober.Run(ctx)

	urls := resolver.NewObjectURLs(cfg.GetPublicURL())
	sources := resolver.NewRegistry(resolver.New(store, backendClient, urls, logger), sig, cfg.MaxSourceSessions)
	defer sources.Close()

	var offlinePage []byte
	if cfg.OfflinePageFile != "" {
		offlinePage, err = os.ReadFile(cfg.OfflinePageFile)
		if err != nil {
			fatal(logger, "failed to read offline page", err)
		}
	}
	layer, err := intercept.New(intercept.Options{
		Version:         cfg.CacheVersion,
		APIPrefix:       cfg.APIPrefix,
		StreamPath:      cfg.StreamPath,
		OfflinePagePath: cfg.OfflinePagePath,
		OfflinePage:     offlinePage,
		PrecacheURLs:    cfg.PrecacheURLs,
	}, cfg.BackendURL, streamClient, caches, store, urls, logger)
	if err != nil {
		fatal(logger, "failed to create interception layer", err)
	}
	installCtx, cancelInstall := context.WithTimeout(ctx, 30*time.Second)
	if err := layer.Install(installCtx); err != nil {
		logger.Warn("precache failed, offline fallback page unavailable", "error", err)
	}
	cancelInstall()
	if _, err := layer.Activate(ctx); err != nil {
		logger.Warn("failed to delete outdated caches", "error", err)
	}

	dl := downloader.New(streamClient, store, chunkerInstance, logger)
	retry := netx.RetryOptions{
		Retries:   cfg.DownloadRetries,
		BaseDelay: cfg.DownloadBaseDelay,
		MaxDelay:  cfg.DownloadMaxDelay,
	}
	downloads := handlers.NewDownloadHandler(ctx, backendClient, dl, store, sources, retry, logger)
	library := handlers.NewLibraryHandler(store, sources, logger)
	conn := handlers.NewConnectivityHandler(sig, logger)

	// Setup HTTP router: management API first, everything else is intercepted
	router := mux.NewRouter()
	handlers.RegisterRoutes(router, downloads, library, conn)
	router.PathPrefix("/").Handler(otelhttp.NewHandler(layer, "intercept"))

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "port", cfg.ServicePort, "public_url", cfg.GetPublicURL())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	stop()
	downloads.Wait()
	layer.Wait()

	logger.Info("server exited")
}

func openBlobStore(cfg *config.Config, c *chunker.Chunker, logger *slog.Logger) (storage.BlobStore, error) {
	switch cfg.StoreBackend {
	case "minio":
		logger.Info("connecting to MinIO", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucketName)
		minioClient, err := storage.NewMinioClient(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
			logger,
		)
		if err != nil {
			return nil, err
		}

		logger.Info("connecting to TiDB", "host", cfg.TiDBHost, "database", cfg.TiDBDatabase)
		tidbClient, err := storage.NewTiDBClient(cfg.GetDSN())
		if err != nil {
			return nil, err
		}
		return storage.NewChunkedStore(minioClient, tidbClient, c, cfg.StoreMaxBytes, logger), nil
	default:
		logger.Info("opening bbolt blob store", "path", cfg.BoltPath)
		return storage.NewBoltStore(cfg.BoltPath, cfg.StoreMaxBytes, logger), nil
	}
}

func openCacheBackend(cfg *config.Config, logger *slog.Logger) (cache.Backend, func(), error) {
	if cfg.CacheBackend != "redis" {
		logger.Info("response caches kept in memory")
		return cache.NewMemoryBackend(), func() {}, nil
	}

	logger.Info("connecting to Redis", "addr", cfg.GetRedisAddr())
	redisClient, err := storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.RedisCachePrefix)
	if err != nil {
		return nil, nil, err
	}
	return redisClient, func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("error closing Redis", "error", err)
		}
	}, nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
