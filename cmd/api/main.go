package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskmill/taskmill/internal/api"
	"github.com/taskmill/taskmill/internal/services"
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
	logger := observability.NewStandardLogger("api").WithLevel(observability.ParseLevel(cfg.Logging.Level))
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

	// Initialize the message channel
	broker, err := buildBroker(ctx, cfg, redisClient, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize broker: %v", err)
	}
	defer func() { _ = broker.Close() }()

	service, err := services.NewExecutionService(store, broker, nil, observability.StartSpan, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize execution service: %v", err)
	}

	health := []api.HealthCheck{
		{Name: "database", Check: store.Ping},
		{Name: "redis", Check: redisClient.Ping},
	}
	server := api.NewServer(cfg.API, service, health, logger, metrics)

	go func() {
		logger.Info("API listening", map[string]interface{}{"address": cfg.API.ListenAddress})
		if err := server.Start(); err != nil {
			logger.Fatal("API server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("API stopped", nil)
}

func buildBroker(ctx context.Context, cfg *config.Config, redisClient *redis.StreamsClient, logger observability.Logger, metrics observability.MetricsClient) (queue.Broker, error) {
	if cfg.Queue.Driver == "sqs" {
		return queue.NewSQSBroker(ctx, cfg.Queue.SQS, logger)
	}
	return queue.NewRedisBroker(ctx, redisClient, cfg.Queue.Redis, logger, metrics)
}
