package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotRunning is returned by Enqueue before Start or after Stop.
var ErrNotRunning = errors.New("queue not running")

// Job handles every message of one type.
type Job interface {
	Name() string
	Type() string
	// Handle gets the payload exactly as it was enqueued. A returned error
	// schedules a retry unless it is context.Canceled.
	Handle(ctx context.Context, payload json.RawMessage) error
}

type QueueConfig struct {
	Workers       int
	RetryLimit    int
	RetryDelay    time.Duration // first retry; doubles per attempt
	MaxRetryDelay time.Duration
	JobTimeout    time.Duration // 0 = none
}

// Depth is a snapshot of queue backlog.
type Depth struct {
	Pending int64 `json:"pending"`
	Retry   int64 `json:"retry"`
	Dead    int64 `json:"dead"`
}

// Message is the envelope stored in Redis.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Decode unmarshals a job payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var out T
	if len(payload) == 0 {
		return out, errors.New("empty payload")
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// backoff returns the delay before the given retry attempt (1-based).
func (c *QueueConfig) backoff(attempt int) time.Duration {
	d := c.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.MaxRetryDelay > 0 && d >= c.MaxRetryDelay {
			return c.MaxRetryDelay
		}
	}
	if c.MaxRetryDelay > 0 && d > c.MaxRetryDelay {
		return c.MaxRetryDelay
	}
	return d
}
