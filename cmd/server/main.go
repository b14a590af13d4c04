// Command server runs the file pipeline engine's HTTP edge: it loads
// configuration and key material from the environment, wires the step
// registry and executor, and serves GET {PATH_PREFIX}/{token_id} until
// terminated. Grounded on the original engine's main.py::application. Before
// accepting requests it checks that a JWE private key and at least one JWS
// public key are configured and that Redis answers a ping; the Crypt4GH key
// is not checked here, since both key loaders already refuse to build a
// KeySet without a 32-byte one.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adapterimage "github.com/oarepo/file-pipeline-engine/adapters/image"
	"github.com/oarepo/file-pipeline-engine/config"
	"github.com/oarepo/file-pipeline-engine/core"
	"github.com/oarepo/file-pipeline-engine/hooks"
	"github.com/oarepo/file-pipeline-engine/pipeline"
	"github.com/oarepo/file-pipeline-engine/server"
	"github.com/oarepo/file-pipeline-engine/tokenstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, keyProvider, err := config.Load()
	if err != nil {
		logger.Error("config.load", "error", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		logger.Error("config.validate", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := keyProvider.Keys(ctx)
	if err != nil {
		logger.Error("key_provider.keys", "error", err)
		os.Exit(1)
	}
	if keys.JWEPrivateKey == nil {
		logger.Error("startup validation failed", "error", "no JWE private key configured")
		os.Exit(1)
	}
	if len(keys.JWSPublicKeys) == 0 {
		logger.Error("startup validation failed", "error", "no JWS public keys configured")
		os.Exit(1)
	}

	store := tokenstore.NewRedis(cfg.RedisAddr, cfg.RedisDB)
	if err := store.Ping(ctx); err != nil {
		logger.Error("tokenstore.ping", "error", err)
		os.Exit(1)
	}

	thumbnailer := adapterimage.NewThumbnailer(adapterimage.BackendConfig{})
	defer thumbnailer.Shutdown()

	registry := core.NewRegistry()
	pipeline.RegisterDefaults(registry, pipeline.Deps{
		Client:          &http.Client{Timeout: cfg.RangeStream.RequestTimeout},
		RangeStreamCfg:  cfg.RangeStream,
		Keys:            keys,
		BridgeQueueSize: cfg.BridgeQueueSize,
		Thumbnailer:     thumbnailer,
		DefaultMaxW:     1024,
		DefaultMaxH:     1024,
		MaxImageBytes:   cfg.MaxImageBytes,
		DrainChunkSize:  cfg.DrainChunkSize,
	})

	slogLogger := hooks.NewSlogLogger(logger)
	metrics := hooks.NewInMemoryMetrics()

	executor := pipeline.NewExecutor(registry, 0)
	executor.SetLogger(slogLogger)
	executor.SetMetrics(metrics)
	executor.AddHook(hooks.NewLoggingHook(slogLogger))
	executor.AddHook(hooks.NewMetricsHook(metrics))

	handler := server.NewHandler(store, keyProvider, executor, cfg.PathPrefix, cfg.EnvelopeLeeway, slogLogger)

	mux := http.NewServeMux()
	mux.Handle(cfg.PathPrefix+"/", handler)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("file pipeline engine listening", "addr", cfg.ListenAddr, "prefix", cfg.PathPrefix)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http.listen_and_serve", "error", err)
		os.Exit(1)
	}
}
