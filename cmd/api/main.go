package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/api/rest"
	"github.com/openbid/car-auction-backend/internal/infrastructure/auth"
	"github.com/openbid/car-auction-backend/internal/infrastructure/cache"
	"github.com/openbid/car-auction-backend/internal/infrastructure/config"
	"github.com/openbid/car-auction-backend/internal/infrastructure/database"
	"github.com/openbid/car-auction-backend/internal/infrastructure/queue"
	"github.com/openbid/car-auction-backend/internal/infrastructure/repository"
	"github.com/openbid/car-auction-backend/internal/infrastructure/telemetry"
	"github.com/openbid/car-auction-backend/internal/service/admission"
	"github.com/openbid/car-auction-backend/internal/service/bidding"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *migrate {
		if err := database.Migrate(cfg.Database.URL, "migrations", logger); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.NewClient(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	redisCache, err := cache.NewRedisCache(redisClient, logger)
	if err != nil {
		return err
	}

	pubsub := cache.NewPubSub(redisClient, logger)
	pubsub.Start(ctx)
	defer pubsub.Close()

	broker := queue.NewRabbitMQ(&cfg.Queue, logger)
	defer broker.Close()

	authSvc, err := auth.NewService(cfg.Security.JWTSecret, cfg.Security.TokenExpiry)
	if err != nil {
		return err
	}

	users := repository.NewUserRepository(pool)
	auctions := repository.NewAuctionRepository(pool)
	bids := repository.NewBidRepository(pool)

	lock := cache.NewLock(redisClient, logger)
	limiter := cache.NewRedisRateLimiter(redisClient, logger)
	admissionCtl := admission.NewController(redisCache, cfg.Admission, logger)

	processor := bidding.NewProcessor(auctions, bids, users, redisCache, lock,
		pubsub, broker, cfg.Bidding, logger)

	gateway := rest.NewGateway(admissionCtl, authSvc, auctions, redisCache,
		pubsub, broker, limiter, cfg.Bidding, logger)
	if err := gateway.Start(ctx); err != nil {
		return err
	}
	defer gateway.Stop()

	// Identity-addressed notifications come off the broker once and fan out to
	// every gateway instance over the global pub/sub channel.
	if broker.Enabled() {
		err := broker.ConsumeNotifications(ctx, func(ctx context.Context, n *queue.Notification) error {
			return pubsub.Publish(ctx, cache.GlobalNotificationsChannel, n)
		})
		if err != nil {
			logger.Warn("starting notification consumer failed", zap.Error(err))
		}
	}

	handler := rest.NewHandler(auctions, bids, processor, authSvc, logger)
	health := rest.NewHealthHandler(pool, redisCache, broker, cfg.Version)
	server := rest.NewServer(cfg.Server, handler, health, gateway, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
