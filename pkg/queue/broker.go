package queue

import (
	"context"
	"time"
)

// Broker is the message channel between the engine and its executors.
//
// Publishes are fire-and-forget with at-least-once delivery; a message
// is redelivered until acked. Claim methods hand messages abandoned by
// dead consumers to a live one; backends whose broker does that itself
// return nothing from them.
type Broker interface {
	PublishRunRequest(ctx context.Context, request *RunRequest) error
	ReceiveRunRequests(ctx context.Context, consumer string, max int64, block time.Duration) ([]*RunDelivery, error)
	AckRunRequest(ctx context.Context, messageID string) error
	ClaimStaleRunRequests(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*RunDelivery, error)

	PublishEvent(ctx context.Context, event *EngineEvent) error
	ReceiveEvents(ctx context.Context, consumer string, max int64, block time.Duration) ([]*EventDelivery, error)
	AckEvent(ctx context.Context, messageID string) error
	ClaimStaleEvents(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*EventDelivery, error)

	Close() error
}

// DelayedEventPublisher is implemented by brokers whose backend can
// hold a message back natively. MaxPublishDelay bounds the delay the
// backend accepts; callers fall back to the timer queue past it.
type DelayedEventPublisher interface {
	PublishEventAfter(ctx context.Context, event *EngineEvent, delay time.Duration) error
	MaxPublishDelay() time.Duration
}
