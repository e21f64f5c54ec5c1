package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/resilience"
)

type mockPublisher struct {
	publishFunc func(ctx context.Context, req *queue.RunRequest) error
}

func (m *mockPublisher) PublishRunRequest(ctx context.Context, req *queue.RunRequest) error {
	return m.publishFunc(ctx, req)
}

type mockConfirmStore struct {
	confirmFunc func(ctx context.Context, taskExecutionID uuid.UUID, attempt int, dispatchedAt time.Time) error
}

func (m *mockConfirmStore) ConfirmDispatch(ctx context.Context, taskExecutionID uuid.UUID, attempt int, dispatchedAt time.Time) error {
	return m.confirmFunc(ctx, taskExecutionID, attempt, dispatchedAt)
}

func fastRetrier() *resilience.Retrier {
	return resilience.NewRetrier(resilience.RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2.0,
		MaxElapsedTime:  time.Second,
	}, nil)
}

func sampleTask() *models.TaskExecution {
	return &models.TaskExecution{
		ID:          uuid.New(),
		ExecutionID: uuid.New(),
		TaskName:    "fetch",
		Status:      models.TaskStatusRunning,
		Attempt:     2,
		Input:       models.JSONMap{"url": "https://example.com"},
	}
}

func TestDispatchPublishesAndConfirms(t *testing.T) {
	task := sampleTask()

	var published *queue.RunRequest
	publisher := &mockPublisher{publishFunc: func(_ context.Context, req *queue.RunRequest) error {
		published = req
		return nil
	}}

	var confirmedID uuid.UUID
	var confirmedAttempt int
	store := &mockConfirmStore{confirmFunc: func(_ context.Context, id uuid.UUID, attempt int, _ time.Time) error {
		confirmedID = id
		confirmedAttempt = attempt
		return nil
	}}

	d := NewDispatcher(publisher, store, fastRetrier(), nil, nil)
	require.NoError(t, d.Dispatch(context.Background(), task, "http.request"))

	require.NotNil(t, published)
	assert.Equal(t, task.ID, published.TaskExecutionID)
	assert.Equal(t, task.ExecutionID, published.ExecutionID)
	assert.Equal(t, "fetch", published.TaskName)
	assert.Equal(t, "http.request", published.Action)
	assert.Equal(t, 2, published.Attempt)
	assert.Equal(t, "https://example.com", published.Input["url"])

	assert.Equal(t, task.ID, confirmedID)
	assert.Equal(t, 2, confirmedAttempt)
}

func TestDispatchRetriesTransientPublishFailures(t *testing.T) {
	task := sampleTask()

	attempts := 0
	publisher := &mockPublisher{publishFunc: func(context.Context, *queue.RunRequest) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	}}
	store := &mockConfirmStore{confirmFunc: func(context.Context, uuid.UUID, int, time.Time) error {
		return nil
	}}

	d := NewDispatcher(publisher, store, fastRetrier(), nil, nil)
	require.NoError(t, d.Dispatch(context.Background(), task, "echo"))
	assert.Equal(t, 3, attempts)
}

func TestDispatchReturnsErrorWhenPublishExhausted(t *testing.T) {
	task := sampleTask()

	publisher := &mockPublisher{publishFunc: func(context.Context, *queue.RunRequest) error {
		return errors.New("broker down")
	}}
	confirmed := false
	store := &mockConfirmStore{confirmFunc: func(context.Context, uuid.UUID, int, time.Time) error {
		confirmed = true
		return nil
	}}

	d := NewDispatcher(publisher, store, fastRetrier(), nil, nil)
	err := d.Dispatch(context.Background(), task, "echo")
	require.Error(t, err)

	var dispatchErr *models.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, task.ID.String(), dispatchErr.TaskExecutionID)
	assert.Equal(t, task.Attempt, dispatchErr.Attempt)
	assert.False(t, confirmed, "failed publish must leave the row unconfirmed")
}

func TestDispatchToleratesConfirmFailure(t *testing.T) {
	task := sampleTask()

	publisher := &mockPublisher{publishFunc: func(context.Context, *queue.RunRequest) error {
		return nil
	}}
	store := &mockConfirmStore{confirmFunc: func(context.Context, uuid.UUID, int, time.Time) error {
		return errors.New("db briefly away")
	}}

	d := NewDispatcher(publisher, store, fastRetrier(), nil, nil)
	assert.NoError(t, d.Dispatch(context.Background(), task, "echo"))
}
