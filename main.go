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

	"kuno/auth"
	"kuno/config"
	"kuno/crypto"
	"kuno/discovery"
	"kuno/logging"
	"kuno/network"
	"kuno/registry"
	"kuno/replica"
	"kuno/storagenode"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	_, publicKey, err := crypto.EnsureSigningKeyPair(cfg.TokenPrivateKeyPath, cfg.TokenPublicKeyPath)
	if err != nil {
		logger.Fatal("prepare token signing keypair", zap.Error(err))
	}
	verifier, err := auth.NewTokenVerifier(publicKey)
	if err != nil {
		logger.Fatal("build token verifier", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends := cfg.StorageNodes
	if cfg.DiscoverStorageNodes {
		discovered, err := discovery.Browse(ctx, discovery.Config{})
		if err != nil {
			logger.Warn("storage node discovery failed", zap.Error(err))
		} else {
			backends = discovery.MergeBackends(backends, discovered)
		}
	}

	logger.Info("gateway starting",
		zap.String("instance_id", cfg.InstanceID),
		zap.String("config", cfgPath),
		zap.String("listen_address", cfg.ListenAddress),
		zap.String("token_key_fingerprint", crypto.KeyFingerprint(publicKey)),
	)

	replicaClient := replica.NewClient(backends, replica.Options{
		Timeout:       cfg.StorageTimeout(),
		HealthTimeout: cfg.HealthTimeout(),
		Logger:        logger,
	})
	for _, backend := range replicaClient.Backends() {
		logger.Info("storage node", zap.String("id", backend.ID), zap.String("url", backend.URL))
	}

	reg := registry.New()
	metrics := network.NewMetrics(nil)
	router, err := network.NewRouter(network.RouterOptions{
		Registry:   reg,
		Directory:  auth.NewStaticDirectory(cfg.Accounts),
		Replicator: replicaClient,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		logger.Fatal("build router", zap.Error(err))
	}
	server, err := network.NewServer(network.ServerOptions{
		InstanceID:      cfg.InstanceID,
		Registry:        reg,
		Router:          router,
		Verifier:        verifier,
		Health:          replicaClient,
		Logger:          logger,
		Metrics:         metrics,
		AllowedOrigins:  cfg.AllowedOrigins,
		PingInterval:    cfg.PingInterval(),
		WriteTimeout:    cfg.WriteTimeout(),
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
	if err != nil {
		logger.Fatal("build gateway server", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), storagenode.RequestLogger(logger.Named("http")))
	server.Routes(engine)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("gateway listener failed", zap.Error(err))
		}
	case <-ctx.Done():
	}

	logger.Info("gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := server.Close(); err != nil {
		logger.Warn("gateway close", zap.Error(err))
	}
}
