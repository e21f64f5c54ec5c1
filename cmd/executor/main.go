package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/taskmill/taskmill/internal/executor"
	"github.com/taskmill/taskmill/pkg/config"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/redis"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging and metrics
	logger := observability.NewStandardLogger("executor").WithLevel(observability.ParseLevel(cfg.Logging.Level))
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

	// Initialize Redis client
	redisClient, err := redis.NewStreamsClient(&cfg.Redis, logger)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer func() { _ = redisClient.Close() }()

	// Initialize the message channel
	broker, err := buildBroker(ctx, cfg, redisClient, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize broker: %v", err)
	}
	defer func() { _ = broker.Close() }()

	// Register the stock action set
	registry := executor.NewRegistry()
	if err := executor.RegisterBuiltins(registry, cfg.Executor.HTTPTimeout); err != nil {
		log.Fatalf("Failed to register actions: %v", err)
	}

	worker := executor.New(broker, registry, redisClient, cfg.Executor, logger, metrics)
	worker.Start(ctx)

	<-ctx.Done()
	logger.Info("Shutdown signal received", nil)
	worker.Stop()
}

func buildBroker(ctx context.Context, cfg *config.Config, redisClient *redis.StreamsClient, logger observability.Logger, metrics observability.MetricsClient) (queue.Broker, error) {
	if cfg.Queue.Driver == "sqs" {
		return queue.NewSQSBroker(ctx, cfg.Queue.SQS, logger)
	}
	return queue.NewRedisBroker(ctx, redisClient, cfg.Queue.Redis, logger, metrics)
}
