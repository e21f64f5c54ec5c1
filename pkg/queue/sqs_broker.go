package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/observability"
)

// SQSAPI is the slice of the SQS client the broker uses; tests inject a
// fake.
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSBrokerConfig names the two queues.
type SQSBrokerConfig struct {
	RunQueueURL   string `mapstructure:"run_queue_url"`
	EventQueueURL string `mapstructure:"event_queue_url"`
}

// SQSBroker carries both flows over two SQS queues. Redelivery and
// dead-consumer recovery come from the visibility timeout, so the claim
// methods return nothing.
type SQSBroker struct {
	client SQSAPI
	config SQSBrokerConfig
	logger observability.Logger
}

// NewSQSBroker builds a broker from the ambient AWS configuration.
func NewSQSBroker(ctx context.Context, config SQSBrokerConfig, logger observability.Logger) (*SQSBroker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}
	return NewSQSBrokerWithAPI(sqs.NewFromConfig(cfg), config, logger), nil
}

// NewSQSBrokerWithAPI injects a custom SQSAPI, used by tests.
func NewSQSBrokerWithAPI(api SQSAPI, config SQSBrokerConfig, logger observability.Logger) *SQSBroker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQSBroker{client: api, config: config, logger: logger}
}

func (b *SQSBroker) PublishRunRequest(ctx context.Context, request *RunRequest) error {
	if request.EnqueuedAt.IsZero() {
		request.EnqueuedAt = time.Now().UTC()
	}
	return b.send(ctx, b.config.RunQueueURL, request)
}

func (b *SQSBroker) ReceiveRunRequests(ctx context.Context, _ string, max int64, block time.Duration) ([]*RunDelivery, error) {
	messages, err := b.receive(ctx, b.config.RunQueueURL, max, block)
	if err != nil {
		return nil, err
	}
	var deliveries []*RunDelivery
	for _, msg := range messages {
		var request RunRequest
		if !b.decode(ctx, b.config.RunQueueURL, msg.body, msg.receipt, &request) {
			continue
		}
		deliveries = append(deliveries, &RunDelivery{MessageID: msg.receipt, Request: &request})
	}
	return deliveries, nil
}

func (b *SQSBroker) AckRunRequest(ctx context.Context, messageID string) error {
	return b.delete(ctx, b.config.RunQueueURL, messageID)
}

func (b *SQSBroker) ClaimStaleRunRequests(context.Context, string, time.Duration, int64) ([]*RunDelivery, error) {
	return nil, nil
}

func (b *SQSBroker) PublishEvent(ctx context.Context, event *EngineEvent) error {
	if event.EventID == "" {
		event.EventID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return b.send(ctx, b.config.EventQueueURL, event)
}

// maxSQSDelay is the DelaySeconds ceiling SQS enforces.
const maxSQSDelay = 15 * time.Minute

// PublishEventAfter holds an event back with the queue's native
// DelaySeconds. The delay rounds up to whole seconds so the event never
// surfaces early.
func (b *SQSBroker) PublishEventAfter(ctx context.Context, event *EngineEvent, delay time.Duration) error {
	if delay > maxSQSDelay {
		return errors.Errorf("delay %s exceeds the SQS limit of %s", delay, maxSQSDelay)
	}
	if event.EventID == "" {
		event.EventID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return b.sendDelayed(ctx, b.config.EventQueueURL, event, delay)
}

func (b *SQSBroker) MaxPublishDelay() time.Duration { return maxSQSDelay }

func (b *SQSBroker) ReceiveEvents(ctx context.Context, _ string, max int64, block time.Duration) ([]*EventDelivery, error) {
	messages, err := b.receive(ctx, b.config.EventQueueURL, max, block)
	if err != nil {
		return nil, err
	}
	var deliveries []*EventDelivery
	for _, msg := range messages {
		var event EngineEvent
		if !b.decode(ctx, b.config.EventQueueURL, msg.body, msg.receipt, &event) {
			continue
		}
		deliveries = append(deliveries, &EventDelivery{MessageID: msg.receipt, Event: &event})
	}
	return deliveries, nil
}

func (b *SQSBroker) AckEvent(ctx context.Context, messageID string) error {
	return b.delete(ctx, b.config.EventQueueURL, messageID)
}

func (b *SQSBroker) ClaimStaleEvents(context.Context, string, time.Duration, int64) ([]*EventDelivery, error) {
	return nil, nil
}

func (b *SQSBroker) Close() error { return nil }

type sqsMessage struct {
	body    string
	receipt string
}

func (b *SQSBroker) send(ctx context.Context, queueURL string, payload interface{}) error {
	return b.sendDelayed(ctx, queueURL, payload, 0)
}

func (b *SQSBroker) sendDelayed(ctx context.Context, queueURL string, payload interface{}, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	}
	if delay > 0 {
		input.DelaySeconds = int32((delay + time.Second - 1) / time.Second)
	}
	_, err = b.client.SendMessage(ctx, input)
	if err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	return nil
}

func (b *SQSBroker) receive(ctx context.Context, queueURL string, max int64, block time.Duration) ([]sqsMessage, error) {
	if max <= 0 || max > 10 {
		max = 10
	}
	waitSeconds := int32(block / time.Second)
	if waitSeconds > 20 {
		waitSeconds = 20
	}
	resp, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to receive messages")
	}
	messages := make([]sqsMessage, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		messages = append(messages, sqsMessage{
			body:    aws.ToString(msg.Body),
			receipt: aws.ToString(msg.ReceiptHandle),
		})
	}
	return messages, nil
}

func (b *SQSBroker) delete(ctx context.Context, queueURL, receipt string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return errors.Wrap(err, "failed to delete message")
	}
	return nil
}

func (b *SQSBroker) decode(ctx context.Context, queueURL, body, receipt string, out interface{}) bool {
	if err := json.Unmarshal([]byte(body), out); err != nil {
		b.logger.Warn("Dropping undecodable message", map[string]interface{}{
			"queue": queueURL,
			"error": err.Error(),
		})
		if delErr := b.delete(ctx, queueURL, receipt); delErr != nil {
			b.logger.Warn("Failed to delete poison message", map[string]interface{}{
				"queue": queueURL,
				"error": delErr.Error(),
			})
		}
		return false
	}
	return true
}
