package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/redis"
)

// DefaultTimerKey is the sorted set holding pending retry timers.
const DefaultTimerKey = "taskmill:timers"

// TimerEntry is one pending retry, scored by its due time.
type TimerEntry struct {
	TaskExecutionID uuid.UUID `json:"task_execution_id"`
	ExecutionID     uuid.UUID `json:"execution_id"`
	Attempt         int       `json:"attempt"`
	FireAt          time.Time `json:"fire_at"`
}

func (e *TimerEntry) member() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal timer entry")
	}
	return string(data), nil
}

// TimerQueue indexes retry timers in a Redis sorted set. Any engine may
// poll it; the atomic remove in Claim guarantees a due timer fires
// exactly one event even with many pollers. Timers lost between claim
// and publish are re-armed by the recovery sweep off the DELAYED rows.
type TimerQueue struct {
	client *redis.StreamsClient
	key    string
}

// NewTimerQueue uses key, or DefaultTimerKey when empty.
func NewTimerQueue(client *redis.StreamsClient, key string) *TimerQueue {
	if key == "" {
		key = DefaultTimerKey
	}
	return &TimerQueue{client: client, key: key}
}

// Schedule arms a timer. Re-scheduling the same entry is idempotent.
func (t *TimerQueue) Schedule(ctx context.Context, entry TimerEntry) error {
	member, err := entry.member()
	if err != nil {
		return err
	}
	score := float64(entry.FireAt.UnixMilli())
	if err := t.client.ZAdd(ctx, t.key, score, member); err != nil {
		return errors.Wrap(err, "failed to schedule timer")
	}
	return nil
}

// Due returns timers due by now, oldest first, without consuming them.
func (t *TimerQueue) Due(ctx context.Context, now time.Time, limit int64) ([]TimerEntry, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	members, err := t.client.ZRangeByScore(ctx, t.key, "-inf", max, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read due timers")
	}
	entries := make([]TimerEntry, 0, len(members))
	for _, member := range members {
		var entry TimerEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			// Unparseable members are removed so they cannot wedge the poll.
			_, _ = t.client.ZRem(ctx, t.key, member)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Claim consumes a due timer. Exactly one concurrent claimer wins.
func (t *TimerQueue) Claim(ctx context.Context, entry TimerEntry) (bool, error) {
	member, err := entry.member()
	if err != nil {
		return false, err
	}
	removed, err := t.client.ZRem(ctx, t.key, member)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim timer")
	}
	return removed > 0, nil
}

// Cancel removes a timer that is no longer needed.
func (t *TimerQueue) Cancel(ctx context.Context, entry TimerEntry) error {
	member, err := entry.member()
	if err != nil {
		return err
	}
	if _, err := t.client.ZRem(ctx, t.key, member); err != nil {
		return errors.Wrap(err, "failed to cancel timer")
	}
	return nil
}
