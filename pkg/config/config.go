// Package config loads the service configuration from a YAML file plus
// TASKMILL_-prefixed environment variables. Values in the file may
// reference environment variables with ${VAR} or ${VAR:-default}.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taskmill/taskmill/pkg/database"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/redis"
)

// APIConfig defines the HTTP server configuration.
type APIConfig struct {
	ListenAddress string          `mapstructure:"listen_address"`
	BasePath      string          `mapstructure:"base_path"`
	ReadTimeout   time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration   `mapstructure:"idle_timeout"`
	EnableCORS    bool            `mapstructure:"enable_cors"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles inbound API requests.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// QueueConfig selects and parameterizes the message channel backend.
type QueueConfig struct {
	// Driver is "redis" or "sqs".
	Driver   string                  `mapstructure:"driver"`
	Redis    queue.RedisBrokerConfig `mapstructure:"redis"`
	SQS      queue.SQSBrokerConfig   `mapstructure:"sqs"`
	TimerKey string                  `mapstructure:"timer_key"`
}

// EngineConfig tunes the reconciler, timer poller, and recovery sweep.
type EngineConfig struct {
	Workers         int           `mapstructure:"workers"`
	ReceiveBatch    int64         `mapstructure:"receive_batch"`
	ReceiveBlock    time.Duration `mapstructure:"receive_block"`
	CommitRetries   int           `mapstructure:"commit_retries"`
	GraphCacheSize  int           `mapstructure:"graph_cache_size"`
	EventDedupTTL   time.Duration `mapstructure:"event_dedup_ttl"`
	TimerPoll       time.Duration `mapstructure:"timer_poll"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StaleDispatch   time.Duration `mapstructure:"stale_dispatch"`
	StalledAfter    time.Duration `mapstructure:"stalled_after"`
	ClaimMinIdle    time.Duration `mapstructure:"claim_min_idle"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

// ExecutorConfig tunes the action worker pool.
type ExecutorConfig struct {
	Workers       int           `mapstructure:"workers"`
	ReceiveBatch  int64         `mapstructure:"receive_batch"`
	ReceiveBlock  time.Duration `mapstructure:"receive_block"`
	ClaimInterval time.Duration `mapstructure:"claim_interval"`
	ClaimMinIdle  time.Duration `mapstructure:"claim_min_idle"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
}

// LoggingConfig selects log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds the complete application configuration.
type Config struct {
	Environment string                      `mapstructure:"environment"`
	API         APIConfig                   `mapstructure:"api"`
	Database    database.Config             `mapstructure:"database"`
	Redis       redis.Config                `mapstructure:"redis"`
	Queue       QueueConfig                 `mapstructure:"queue"`
	Engine      EngineConfig                `mapstructure:"engine"`
	Executor    ExecutorConfig              `mapstructure:"executor"`
	Logging     LoggingConfig               `mapstructure:"logging"`
	Tracing     observability.TracingConfig `mapstructure:"tracing"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("TASKMILL_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("TASKMILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// Common Docker environment aliases.
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("redis.addresses", "REDIS_ADDR")

	if err := v.ReadInConfig(); err != nil {
		// A config file is not required when environment variables
		// cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	expandEnvReferences(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case "redis", "sqs":
	default:
		return fmt.Errorf("unsupported queue driver %q", c.Queue.Driver)
	}
	if c.Queue.Driver == "sqs" {
		if c.Queue.SQS.RunQueueURL == "" || c.Queue.SQS.EventQueueURL == "" {
			return fmt.Errorf("sqs queue driver requires run_queue_url and event_queue_url")
		}
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be positive")
	}
	return nil
}

// expandEnvReferences rewrites ${VAR} and ${VAR:-default} references in
// string values.
func expandEnvReferences(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if value == "" || !strings.Contains(value, "${") {
			continue
		}
		if expanded := expandEnvVars(value); expanded != value {
			v.Set(key, expanded)
		}
	}
}

func expandEnvVars(value string) string {
	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varRef := result[start+2 : end]
		envVar, defaultVal := varRef, ""
		if idx := strings.Index(varRef, ":-"); idx >= 0 {
			envVar, defaultVal = varRef[:idx], varRef[idx+2:]
		}
		envVal := os.Getenv(envVar)
		if envVal == "" {
			envVal = defaultVal
		}
		result = result[:start] + envVal + result[end+1:]
	}
	return result
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.base_path", "/api/v1")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.enable_cors", true)
	v.SetDefault("api.rate_limit.enabled", true)
	v.SetDefault("api.rate_limit.rps", 100)
	v.SetDefault("api.rate_limit.burst", 150)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "taskmill")
	v.SetDefault("database.username", "taskmill")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 10*time.Second)
	v.SetDefault("redis.write_timeout", 10*time.Second)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.redis.run_stream", queue.DefaultRunStream)
	v.SetDefault("queue.redis.event_stream", queue.DefaultEventStream)
	v.SetDefault("queue.redis.run_group", queue.DefaultRunGroup)
	v.SetDefault("queue.redis.event_group", queue.DefaultEventGroup)
	v.SetDefault("queue.timer_key", queue.DefaultTimerKey)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.receive_batch", 10)
	v.SetDefault("engine.receive_block", 5*time.Second)
	v.SetDefault("engine.commit_retries", 5)
	v.SetDefault("engine.graph_cache_size", 256)
	v.SetDefault("engine.event_dedup_ttl", 10*time.Minute)
	v.SetDefault("engine.timer_poll", time.Second)
	v.SetDefault("engine.sweep_interval", 30*time.Second)
	v.SetDefault("engine.stale_dispatch", 2*time.Minute)
	v.SetDefault("engine.stalled_after", 5*time.Minute)
	v.SetDefault("engine.claim_min_idle", time.Minute)
	v.SetDefault("engine.dispatch_timeout", 10*time.Second)

	v.SetDefault("executor.workers", 8)
	v.SetDefault("executor.receive_batch", 10)
	v.SetDefault("executor.receive_block", 5*time.Second)
	v.SetDefault("executor.claim_interval", time.Minute)
	v.SetDefault("executor.claim_min_idle", time.Minute)
	v.SetDefault("executor.dedup_ttl", time.Hour)
	v.SetDefault("executor.http_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "taskmill")
	v.SetDefault("tracing.endpoint", "localhost:4317")
}
