// Package redis wraps the go-redis client with the small operation
// surface the message channel needs: streams with consumer groups, the
// sorted-set timer index, and SETNX idempotency guards.
package redis

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/taskmill/taskmill/pkg/observability"
)

// Config holds Redis connection settings.
type Config struct {
	Addresses    []string      `mapstructure:"addresses"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	TLSEnabled bool        `mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `mapstructure:"-"`

	SentinelEnabled  bool     `mapstructure:"sentinel_enabled"`
	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// DefaultConfig returns settings suitable for a local single instance.
func DefaultConfig() *Config {
	return &Config{
		Addresses:           []string{"localhost:6379"},
		MaxRetries:          3,
		RetryBackoff:        100 * time.Millisecond,
		DialTimeout:         5 * time.Second,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		PoolSize:            10,
		MinIdleConns:        2,
		PoolTimeout:         4 * time.Second,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// applyDefaults fills zero-valued timeouts and pool settings so partial
// configs connect cleanly.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.PoolTimeout <= 0 {
		c.PoolTimeout = def.PoolTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
}

// StreamsClient is the shared Redis handle for brokers and timers.
type StreamsClient struct {
	client  redis.UniversalClient
	config  *Config
	logger  observability.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewStreamsClient connects and starts the health check loop.
func NewStreamsClient(config *Config, logger observability.Logger) (*StreamsClient, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	var client redis.UniversalClient
	if config.SentinelEnabled {
		if len(config.SentinelAddrs) == 0 {
			return nil, errors.New("no sentinel addresses configured")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       config.MasterName,
			SentinelAddrs:    config.SentinelAddrs,
			SentinelPassword: config.SentinelPassword,
			Username:         config.Username,
			Password:         config.Password,
			DB:               config.DB,
			MaxRetries:       config.MaxRetries,
			MinRetryBackoff:  config.RetryBackoff,
			DialTimeout:      config.DialTimeout,
			ReadTimeout:      config.ReadTimeout,
			WriteTimeout:     config.WriteTimeout,
			PoolSize:         config.PoolSize,
			MinIdleConns:     config.MinIdleConns,
			PoolTimeout:      config.PoolTimeout,
			ConnMaxIdleTime:  config.IdleTimeout,
			TLSConfig:        config.TLSConfig,
		})
	} else {
		if len(config.Addresses) == 0 {
			return nil, errors.New("no redis addresses configured")
		}
		client = redis.NewClient(&redis.Options{
			Addr:            config.Addresses[0],
			Username:        config.Username,
			Password:        config.Password,
			DB:              config.DB,
			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.RetryBackoff,
			DialTimeout:     config.DialTimeout,
			ReadTimeout:     config.ReadTimeout,
			WriteTimeout:    config.WriteTimeout,
			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			PoolTimeout:     config.PoolTimeout,
			ConnMaxIdleTime: config.IdleTimeout,
			TLSConfig:       config.TLSConfig,
		})
	}

	c := &StreamsClient{
		client: client,
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout+config.ReadTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}
	c.healthy.Store(true)

	go c.healthCheckLoop()
	return c, nil
}

// NewStreamsClientFromRedis wraps an existing client; used by tests to
// run against miniredis.
func NewStreamsClientFromRedis(client redis.UniversalClient, logger observability.Logger) *StreamsClient {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	c := &StreamsClient{
		client: client,
		config: DefaultConfig(),
		logger: logger,
		done:   make(chan struct{}),
	}
	c.healthy.Store(true)
	return c
}

func (c *StreamsClient) healthCheckLoop() {
	interval := c.config.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.ReadTimeout)
			err := c.client.Ping(ctx).Err()
			cancel()
			wasHealthy := c.healthy.Swap(err == nil)
			if err != nil && wasHealthy {
				c.logger.Warn("Redis health check failed", map[string]interface{}{"error": err.Error()})
			} else if err == nil && !wasHealthy {
				c.logger.Info("Redis connection recovered", nil)
			}
		}
	}
}

// IsHealthy reports the last health check result.
func (c *StreamsClient) IsHealthy() bool { return c.healthy.Load() }

// Ping checks connectivity now.
func (c *StreamsClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close stops the health loop and releases connections.
func (c *StreamsClient) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.client.Close()
}

// Client exposes the underlying handle.
func (c *StreamsClient) Client() redis.UniversalClient { return c.client }

// AddToStream appends a message and returns its stream ID.
func (c *StreamsClient) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return c.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// AddToStreamCapped appends a message to a stream trimmed to
// approximately maxLen entries.
func (c *StreamsClient) AddToStreamCapped(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

// CreateConsumerGroupMkStream creates a consumer group, creating the
// stream when missing. An existing group is not an error.
func (c *StreamsClient) CreateConsumerGroupMkStream(ctx context.Context, stream, group, start string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists" {
		return nil
	}
	return err
}

// ReadFromConsumerGroup blocks for new messages on the streams.
func (c *StreamsClient) ReadFromConsumerGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]redis.XStream, error) {
	streamArgs := make([]string, 0, len(streams)*2)
	streamArgs = append(streamArgs, streams...)
	for range streams {
		streamArgs = append(streamArgs, ">")
	}
	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streamArgs,
		Count:    count,
		Block:    block,
	}).Result()
}

// AckMessages acknowledges processed messages.
func (c *StreamsClient) AckMessages(ctx context.Context, stream, group string, ids ...string) error {
	return c.client.XAck(ctx, stream, group, ids...).Err()
}

// AutoClaim reassigns messages left pending by dead consumers.
func (c *StreamsClient) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	return messages, err
}

// ZAdd inserts a member with a score into a sorted set.
func (c *StreamsClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members with scores in [min, max], capped at
// count.
func (c *StreamsClient) ZRangeByScore(ctx context.Context, key, min, max string, count int64) ([]string, error) {
	return c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: count,
	}).Result()
}

// ZRem removes members from a sorted set, reporting how many existed.
func (c *StreamsClient) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	return c.client.ZRem(ctx, key, members...).Result()
}

// SetNX sets a key only if absent, returning whether it was set.
func (c *StreamsClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// Get reads a string key; a missing key reports found false.
func (c *StreamsClient) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Del removes keys.
func (c *StreamsClient) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}
