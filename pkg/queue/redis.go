package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"LeapsEngine/pkg/logger"
)

const (
	popTimeout    = time.Second
	promoteTick   = 2 * time.Second
	promoteBatch  = 100
	defaultPrefix = "leaps:queue"
)

// RedisQueue is a list-backed work queue. Failed messages wait in a sorted
// set scored by their due time and end up in a dead-letter list once
// RetryLimit is exhausted.
type RedisQueue struct {
	log    *logger.Logger
	cfg    QueueConfig
	client *redis.Client
	prefix string

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix namespaces the queue keys.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) { r.prefix = prefix }
}

func NewRedisQueue(l *logger.Logger, cfg *QueueConfig, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	c := QueueConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if l == nil {
		l = logger.NewNop()
	}

	r := &RedisQueue{
		log:    l.With(logger.String("component", "queue")),
		cfg:    c,
		client: client,
		prefix: defaultPrefix,
		jobs:   make(map[string]Job),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterJob binds job to its message type. The first registration wins.
func (r *RedisQueue) RegisterJob(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Type()]; ok {
		r.log.Warn("job type already registered", logger.String("type", job.Type()), logger.String("job", job.Name()))
		return
	}
	r.jobs[job.Type()] = job
	r.log.Info("job registered", logger.String("type", job.Type()), logger.String("job", job.Name()))
}

// Start pings Redis and launches the workers and the retry promoter.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("queue already running")
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}
	r.wg.Add(1)
	go r.promote(ctx)

	r.log.Info("redis queue started",
		logger.Int("workers", r.cfg.Workers),
		logger.String("prefix", r.prefix))
	return nil
}

// Stop cancels in-flight jobs and waits for workers until ctx expires.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("redis queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}

// Enqueue marshals payload and pushes a new message of msgType.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) (string, error) {
	r.mu.RLock()
	running := r.running
	_, known := r.jobs[msgType]
	r.mu.RUnlock()
	if !running {
		return "", ErrNotRunning
	}
	if !known {
		return "", fmt.Errorf("no job registered for type %q", msgType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	msg := Message{ID: uuid.NewString(), Type: msgType, Payload: raw, EnqueuedAt: r.now().UTC()}
	if err := r.push(ctx, r.pendingKey(), msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Depth reports pending, scheduled-retry and dead-lettered message counts.
func (r *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, r.pendingKey())
	retry := pipe.ZCard(ctx, r.retryKey())
	dead := pipe.LLen(ctx, r.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return Depth{Pending: pending.Val(), Retry: retry.Val(), Dead: dead.Val()}, nil
}

func (r *RedisQueue) work(ctx context.Context, id int) {
	defer r.wg.Done()
	for ctx.Err() == nil {
		res, err := r.client.BRPop(ctx, popTimeout, r.pendingKey()).Result()
		switch {
		case errors.Is(err, redis.Nil), ctx.Err() != nil:
			continue
		case err != nil:
			r.log.Error("brpop failed", logger.Int("worker", id), logger.Error(err))
			sleep(ctx, popTimeout)
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			r.log.Error("drop malformed message", logger.Error(err))
			continue
		}
		r.handle(ctx, msg)
	}
}

func (r *RedisQueue) handle(ctx context.Context, msg Message) {
	r.mu.RLock()
	job, ok := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Error("no job for message", logger.String("type", msg.Type), logger.String("id", msg.ID))
		r.bury(msg)
		return
	}

	jobCtx := ctx
	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Handle(jobCtx, msg.Payload)
	fields := []logger.Field{
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Duration("took", time.Since(start)),
	}
	switch {
	case err == nil:
		r.log.Debug("message processed", fields...)
	case errors.Is(err, context.Canceled):
		// Shutdown: put it back so the next process picks it up.
		r.log.Warn("message interrupted, requeueing", fields...)
		if perr := r.push(context.Background(), r.pendingKey(), msg); perr != nil {
			r.log.Error("requeue failed", logger.String("id", msg.ID), logger.Error(perr))
		}
	default:
		r.retryOrBury(msg, err, fields)
	}
}

func (r *RedisQueue) retryOrBury(msg Message, cause error, fields []logger.Field) {
	msg.Attempts++
	msg.LastError = cause.Error()
	fields = append(fields, logger.Int("attempt", msg.Attempts), logger.Error(cause))

	if msg.Attempts > r.cfg.RetryLimit {
		r.log.Error("retries exhausted, dead-lettering", fields...)
		r.bury(msg)
		return
	}

	due := r.now().Add(r.cfg.backoff(msg.Attempts))
	b, err := json.Marshal(msg)
	if err == nil {
		err = r.client.ZAdd(context.Background(), r.retryKey(), redis.Z{Score: float64(due.Unix()), Member: b}).Err()
	}
	if err != nil {
		r.log.Error("schedule retry failed", append(fields, logger.String("schedule_error", err.Error()))...)
		return
	}
	r.log.Warn("message failed, retry scheduled", append(fields, logger.Time("due", due))...)
}

func (r *RedisQueue) bury(msg Message) {
	if err := r.push(context.Background(), r.deadKey(), msg); err != nil {
		r.log.Error("dead-letter push failed", logger.String("id", msg.ID), logger.Error(err))
	}
}

// promote moves due retries back onto the pending list.
func (r *RedisQueue) promote(ctx context.Context) {
	defer r.wg.Done()
	t := time.NewTicker(promoteTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.promoteDue(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("promote retries failed", logger.Error(err))
			}
		}
	}
}

func (r *RedisQueue) promoteDue(ctx context.Context) error {
	due, err := r.client.ZRangeByScore(ctx, r.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(r.now().Unix(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		// ZREM decides ownership when several instances share the queue.
		n, err := r.client.ZRem(ctx, r.retryKey(), member).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := r.client.LPush(ctx, r.pendingKey(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisQueue) push(ctx context.Context, key string, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := r.client.LPush(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *RedisQueue) pendingKey() string { return r.prefix + ":messages" }
func (r *RedisQueue) retryKey() string   { return r.prefix + ":retry" }
func (r *RedisQueue) deadKey() string    { return r.prefix + ":dlq" }
