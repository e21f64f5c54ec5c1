package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/taskmill/taskmill/internal/engine"
	"github.com/taskmill/taskmill/pkg/config"
	"github.com/taskmill/taskmill/pkg/database"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/redis"
	"github.com/taskmill/taskmill/pkg/repository/postgres"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging and metrics
	logger := observability.NewStandardLogger("engine").WithLevel(observability.ParseLevel(cfg.Logging.Level))
	metrics := observability.NewInMemoryMetrics()
	defer func() { _ = metrics.Close() }()

	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		logger.Warn("Tracing disabled", map[string]interface{}{"error": err.Error()})
	} else {
		defer shutdownTracing()
	}

	// Setup context with cancellation
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	store := postgres.NewStore(db, logger, metrics, postgres.Config{})
	defer func() { _ = store.Close() }()

	// Initialize Redis client
	redisClient, err := redis.NewStreamsClient(&cfg.Redis, logger)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer func() { _ = redisClient.Close() }()

	// Initialize the message channel and retry timers
	broker, err := buildBroker(ctx, cfg, redisClient, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize broker: %v", err)
	}
	defer func() { _ = broker.Close() }()

	timers := queue.NewTimerQueue(redisClient, cfg.Queue.TimerKey)

	eng, err := engine.New(cfg.Engine, store, broker, timers, redisClient, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	eng.Start(ctx)

	<-ctx.Done()
	logger.Info("Shutdown signal received", nil)
	eng.Stop()
}

func buildBroker(ctx context.Context, cfg *config.Config, redisClient *redis.StreamsClient, logger observability.Logger, metrics observability.MetricsClient) (queue.Broker, error) {
	if cfg.Queue.Driver == "sqs" {
		return queue.NewSQSBroker(ctx, cfg.Queue.SQS, logger)
	}
	return queue.NewRedisBroker(ctx, redisClient, cfg.Queue.Redis, logger, metrics)
}
