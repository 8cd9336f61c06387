package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/api"
	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/feed"
	"github.com/fairwaylabs/teebox/internal/giftwrap"
	"github.com/fairwaylabs/teebox/internal/outbox"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/internal/relay"
	"github.com/fairwaylabs/teebox/pkg/config"
	"github.com/fairwaylabs/teebox/pkg/logging"
	"github.com/fairwaylabs/teebox/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting Teebox sync engine")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	// Local identity
	publicKey, err := nostr.GetPublicKey(cfg.Identity.SecretKey)
	if err != nil {
		logger.Fatal("Invalid identity secret key", zap.Error(err))
	}
	identity := feed.Identity{SecretKey: cfg.Identity.SecretKey, PublicKey: publicKey}

	// Durable cache
	db, err := cache.Open(&cfg.Cache, cfg.Logging.Level)
	if err != nil {
		logger.Fatal("Failed to open event cache", zap.Error(err))
	}
	defer db.Close()
	store := cache.NewStore(db)

	// Hot tier: shared redis when configured, in-process LRU otherwise
	var memory cache.MemoryTier
	if cfg.Redis.Enabled {
		redisTier, err := cache.NewRedisTier(&cfg.Redis, cfg.Cache.ProfileTTL)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer redisTier.Close()
		memory = redisTier
	} else {
		lru, err := cache.NewLRUTier(cfg.Cache.MemorySize)
		if err != nil {
			logger.Fatal("Failed to create memory cache", zap.Error(err))
		}
		memory = lru
	}

	// Relay plumbing
	pool := relay.NewPool(relay.NewDialer())
	defer pool.CloseAll()
	router := outbox.NewRouter(pool, protocol.NewVerifier(), &cfg.Relay)
	resolver := outbox.NewResolver(store, memory, router, cfg)

	// Feed and invites
	orch := feed.NewOrchestrator(cfg, store, memory, resolver, router, identity)
	profiles := feed.NewProfileCache(store, memory, router, cfg, func() []string {
		return cfg.Relay.DefaultRelays
	})
	invites := giftwrap.NewChannel(router, resolver, profiles, cfg, identity.SecretKey, identity.PublicKey)

	// Local control surface
	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.NewRouter(orch, invites, db).SetupRoutes(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Warm the feed: instant cache paint, then background sync
	go func() {
		if err := orch.Refresh(context.Background()); err != nil {
			logger.Warn("Initial feed load failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
