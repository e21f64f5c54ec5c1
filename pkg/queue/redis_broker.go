package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/redis"
)

// Stream and group defaults for the Redis backend.
const (
	DefaultRunStream   = "taskmill:runs"
	DefaultEventStream = "taskmill:events"
	DefaultRunGroup    = "executors"
	DefaultEventGroup  = "engines"

	defaultMaxStreamLen = 100000
)

// RedisBrokerConfig names the streams and consumer groups.
type RedisBrokerConfig struct {
	RunStream    string `mapstructure:"run_stream"`
	EventStream  string `mapstructure:"event_stream"`
	RunGroup     string `mapstructure:"run_group"`
	EventGroup   string `mapstructure:"event_group"`
	MaxStreamLen int64  `mapstructure:"max_stream_len"`
}

// RedisBroker carries both flows over Redis Streams with consumer
// groups: pending-entry lists give at-least-once delivery, XACK marks
// completion, and XAUTOCLAIM recovers messages from dead consumers.
type RedisBroker struct {
	client  *redis.StreamsClient
	config  RedisBrokerConfig
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRedisBroker creates both streams and consumer groups up front so
// messages published before the first consumer attaches are retained.
func NewRedisBroker(ctx context.Context, client *redis.StreamsClient, config RedisBrokerConfig, logger observability.Logger, metrics observability.MetricsClient) (*RedisBroker, error) {
	if config.RunStream == "" {
		config.RunStream = DefaultRunStream
	}
	if config.EventStream == "" {
		config.EventStream = DefaultEventStream
	}
	if config.RunGroup == "" {
		config.RunGroup = DefaultRunGroup
	}
	if config.EventGroup == "" {
		config.EventGroup = DefaultEventGroup
	}
	if config.MaxStreamLen <= 0 {
		config.MaxStreamLen = defaultMaxStreamLen
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	if err := client.CreateConsumerGroupMkStream(ctx, config.RunStream, config.RunGroup, "0"); err != nil {
		return nil, errors.Wrap(err, "failed to create run consumer group")
	}
	if err := client.CreateConsumerGroupMkStream(ctx, config.EventStream, config.EventGroup, "0"); err != nil {
		return nil, errors.Wrap(err, "failed to create event consumer group")
	}

	return &RedisBroker{client: client, config: config, logger: logger, metrics: metrics}, nil
}

// PublishRunRequest appends a run request to the run stream.
func (b *RedisBroker) PublishRunRequest(ctx context.Context, request *RunRequest) error {
	if request.EnqueuedAt.IsZero() {
		request.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(err, "failed to marshal run request")
	}
	_, err = b.client.AddToStreamCapped(ctx, b.config.RunStream, b.config.MaxStreamLen, map[string]interface{}{
		"payload": string(payload),
		"task":    request.TaskName,
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish run request")
	}
	b.metrics.IncrementCounterWithLabels("queue_published", 1, map[string]string{"stream": "runs"})
	return nil
}

// ReceiveRunRequests blocks for new run requests as the given consumer.
func (b *RedisBroker) ReceiveRunRequests(ctx context.Context, consumer string, max int64, block time.Duration) ([]*RunDelivery, error) {
	streams, err := b.client.ReadFromConsumerGroup(ctx, b.config.RunGroup, consumer, []string{b.config.RunStream}, max, block)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read run requests")
	}
	return b.decodeRunStreams(ctx, streams), nil
}

// AckRunRequest marks a run request as processed.
func (b *RedisBroker) AckRunRequest(ctx context.Context, messageID string) error {
	return b.client.AckMessages(ctx, b.config.RunStream, b.config.RunGroup, messageID)
}

// ClaimStaleRunRequests takes over run requests abandoned by dead
// executors.
func (b *RedisBroker) ClaimStaleRunRequests(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*RunDelivery, error) {
	messages, err := b.client.AutoClaim(ctx, b.config.RunStream, b.config.RunGroup, consumer, minIdle, count)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim run requests")
	}
	var deliveries []*RunDelivery
	for i := range messages {
		if delivery := b.decodeRun(ctx, &messages[i]); delivery != nil {
			deliveries = append(deliveries, delivery)
		}
	}
	return deliveries, nil
}

// PublishEvent appends an event to the event stream.
func (b *RedisBroker) PublishEvent(ctx context.Context, event *EngineEvent) error {
	if event.EventID == "" {
		event.EventID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}
	_, err = b.client.AddToStreamCapped(ctx, b.config.EventStream, b.config.MaxStreamLen, map[string]interface{}{
		"payload": string(payload),
		"type":    string(event.Type),
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish event")
	}
	b.metrics.IncrementCounterWithLabels("queue_published", 1, map[string]string{"stream": "events"})
	return nil
}

// ReceiveEvents blocks for new events as the given consumer.
func (b *RedisBroker) ReceiveEvents(ctx context.Context, consumer string, max int64, block time.Duration) ([]*EventDelivery, error) {
	streams, err := b.client.ReadFromConsumerGroup(ctx, b.config.EventGroup, consumer, []string{b.config.EventStream}, max, block)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read events")
	}
	return b.decodeEventStreams(ctx, streams), nil
}

// AckEvent marks an event as processed.
func (b *RedisBroker) AckEvent(ctx context.Context, messageID string) error {
	return b.client.AckMessages(ctx, b.config.EventStream, b.config.EventGroup, messageID)
}

// ClaimStaleEvents takes over events abandoned by dead engines.
func (b *RedisBroker) ClaimStaleEvents(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*EventDelivery, error) {
	messages, err := b.client.AutoClaim(ctx, b.config.EventStream, b.config.EventGroup, consumer, minIdle, count)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim events")
	}
	var deliveries []*EventDelivery
	for i := range messages {
		if delivery := b.decodeEvent(ctx, &messages[i]); delivery != nil {
			deliveries = append(deliveries, delivery)
		}
	}
	return deliveries, nil
}

// Close is a no-op; the shared Redis client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }

func (b *RedisBroker) decodeRunStreams(ctx context.Context, streams []goredis.XStream) []*RunDelivery {
	var deliveries []*RunDelivery
	for _, stream := range streams {
		for i := range stream.Messages {
			if delivery := b.decodeRun(ctx, &stream.Messages[i]); delivery != nil {
				deliveries = append(deliveries, delivery)
			}
		}
	}
	return deliveries
}

func (b *RedisBroker) decodeEventStreams(ctx context.Context, streams []goredis.XStream) []*EventDelivery {
	var deliveries []*EventDelivery
	for _, stream := range streams {
		for i := range stream.Messages {
			if delivery := b.decodeEvent(ctx, &stream.Messages[i]); delivery != nil {
				deliveries = append(deliveries, delivery)
			}
		}
	}
	return deliveries
}

func (b *RedisBroker) decodeRun(ctx context.Context, msg *goredis.XMessage) *RunDelivery {
	var request RunRequest
	if !b.decodePayload(ctx, b.config.RunStream, b.config.RunGroup, msg, &request) {
		return nil
	}
	return &RunDelivery{MessageID: msg.ID, Request: &request}
}

func (b *RedisBroker) decodeEvent(ctx context.Context, msg *goredis.XMessage) *EventDelivery {
	var event EngineEvent
	if !b.decodePayload(ctx, b.config.EventStream, b.config.EventGroup, msg, &event) {
		return nil
	}
	return &EventDelivery{MessageID: msg.ID, Event: &event}
}

// decodePayload unmarshals a message body. Undecodable messages are
// acked away immediately: redelivering them can never succeed.
func (b *RedisBroker) decodePayload(ctx context.Context, stream, group string, msg *goredis.XMessage, out interface{}) bool {
	payload, ok := msg.Values["payload"].(string)
	if ok {
		if err := json.Unmarshal([]byte(payload), out); err != nil {
			ok = false
		}
	}
	if !ok {
		b.logger.Warn("Dropping undecodable message", map[string]interface{}{
			"stream":     stream,
			"message_id": msg.ID,
		})
		b.metrics.IncrementCounterWithLabels("queue_poison_messages", 1, map[string]string{"stream": stream})
		if err := b.client.AckMessages(ctx, stream, group, msg.ID); err != nil {
			b.logger.Warn("Failed to ack poison message", map[string]interface{}{
				"stream":     stream,
				"message_id": msg.ID,
				"error":      err.Error(),
			})
		}
		return false
	}
	return true
}
