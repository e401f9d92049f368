package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/infrastructure/cache"
	"github.com/openbid/car-auction-backend/internal/infrastructure/config"
	"github.com/openbid/car-auction-backend/internal/infrastructure/database"
	"github.com/openbid/car-auction-backend/internal/infrastructure/queue"
	"github.com/openbid/car-auction-backend/internal/infrastructure/repository"
	"github.com/openbid/car-auction-backend/internal/infrastructure/telemetry"
	"github.com/openbid/car-auction-backend/internal/service/bidding"
	"github.com/openbid/car-auction-backend/internal/service/lifecycle"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
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

	// Publish-only here; the worker never subscribes.
	pubsub := cache.NewPubSub(redisClient, logger)
	defer pubsub.Close()

	broker := queue.NewRabbitMQ(&cfg.Queue, logger)
	defer broker.Close()

	users := repository.NewUserRepository(pool)
	auctions := repository.NewAuctionRepository(pool)
	bids := repository.NewBidRepository(pool)

	lock := cache.NewLock(redisClient, logger)
	processor := bidding.NewProcessor(auctions, bids, users, redisCache, lock,
		pubsub, broker, cfg.Bidding, logger)

	if broker.Enabled() {
		if err := broker.ConsumeBidPlaced(ctx, processor.HandleEnvelope); err != nil {
			return fmt.Errorf("starting bid consumer: %w", err)
		}
		err := broker.ConsumeAudit(ctx, func(ctx context.Context, a *queue.AuditEntry) error {
			logger.Info("audit",
				zap.String("action", a.Action),
				zap.String("auction_id", a.AuctionID.String()),
				zap.String("user_id", a.UserID.String()),
				zap.Int64("amount", a.Amount),
				zap.Bool("success", a.Success),
				zap.String("reason", a.Reason))
			return nil
		})
		if err != nil {
			logger.Warn("starting audit consumer failed", zap.Error(err))
		}
	} else {
		logger.Warn("queue disabled, worker serves lifecycle sweeps only")
	}

	ender := lifecycle.NewEnder(auctions, bids, pubsub, broker, cfg.Bidding.LifecycleTick, logger)
	logger.Info("worker running",
		zap.Bool("queue_enabled", broker.Enabled()),
		zap.Duration("lifecycle_tick", cfg.Bidding.LifecycleTick))
	ender.Run(ctx)

	return nil
}
