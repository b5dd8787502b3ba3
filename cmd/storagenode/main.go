package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kuno/config"
	"kuno/discovery"
	"kuno/logging"
	"kuno/storage"
	"kuno/storagenode"
)

func main() {
	cfg, err := config.LoadNodeConfig()
	if err != nil {
		log.Fatalf("startup failed while loading node config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	logger = logger.With(zap.String("node_id", cfg.NodeID))
	defer func() { _ = logger.Sync() }()

	store, dbPath, err := storage.OpenWithOptions(cfg.DataDir, storage.Options{MessageTTL: cfg.MessageTTL})
	if err != nil {
		logger.Fatal("open message store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	if cfg.Advertise {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{NodeID: cfg.NodeID, Port: cfg.Port})
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer broadcaster.Stop()
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := storagenode.NewEngine(storagenode.NewHandler(store, cfg.NodeID, logger))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("storage node starting",
		zap.String("listen_address", cfg.ListenAddress()),
		zap.String("database", dbPath),
		zap.Duration("message_ttl", cfg.MessageTTL),
		zap.Bool("advertise", cfg.Advertise),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("storage node listener failed", zap.Error(err))
			return
		}
	case <-ctx.Done():
	}

	logger.Info("storage node shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
