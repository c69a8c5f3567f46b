package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"conebeam/internal/api"
	"conebeam/internal/archive"
	"conebeam/internal/blob"
	"conebeam/internal/cache"
	"conebeam/internal/conebeam"
	"conebeam/internal/config"
	fileutil "conebeam/internal/file"
	"conebeam/internal/job"
	"conebeam/internal/recordstore"
)

func main() {
	configPath := flag.String("config", envOr("CONEBEAM_CONFIG", "config.yml"), "path to the YAML config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	setupLogging(cfg)

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	store := cache.NewStore(cfg.DataDir, cfg.CacheTTL)
	manager := buildManager(cfg, store)

	router := setupRouter()
	api.NewAPI(manager).RegisterRoutes(router)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	manager.SetBaseContext(baseCtx)
	manager.Start(baseCtx)

	const readHeaderTimeout = 5 * time.Second
	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("conebeam service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, manager, store, cfg.ShutdownTimeout)
}

func setupLogging(cfg config.Config) {
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if cfg.Level() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	r.Use(api.PrometheusMetrics())
	return r
}

func buildManager(cfg config.Config, store *cache.Store) *conebeam.Manager {
	blobClient := blob.NewClient(blob.Options{
		BaseURL: cfg.Blob.BaseURL,
		Token:   cfg.Blob.Token,
		Timeout: cfg.FetchTimeout,
	})
	records := recordstore.NewClient(recordstore.Options{
		URL:              cfg.RecordStore.URL,
		Token:            cfg.RecordStore.Token,
		OrdersCollection: cfg.RecordStore.OrdersCollection,
		FilesRelation:    cfg.RecordStore.FilesRelation,
		Timeout:          cfg.FetchTimeout,
	})

	return conebeam.NewManager(
		job.NewTracker(cfg.MaxJobs, cfg.JobTTL),
		store,
		records,
		archive.NewBuilder(blobClient).Build,
		conebeam.Options{
			MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
			CacheTTL:            cfg.CacheTTL,
			SweepInterval:       cfg.SweepInterval,
		},
	)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, m *conebeam.Manager, store *cache.Store, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !m.WaitAll(ctx) {
		log.Warn().Msg("archive builds did not finish before timeout")
	}
	store.Stop()
	log.Info().Msg("server exited cleanly")
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
