package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer()
	assert.Error(t, err)
}

func TestProducerPublishEncodes(t *testing.T) {
	w := &fakeWriter{}
	reg := prometheus.NewRegistry()
	p, err := NewProducer(WithWriter(w), WithProducerMetrics(reg))
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "t1", []byte("SPY"), map[string]int{"a": 1}))
	require.NoError(t, p.PublishMessage(context.Background(), "t2", "raw"))
	require.NoError(t, p.PublishBatch(context.Background(), "t1", []Message{{Value: []byte("x")}, {Value: []byte("y")}}))
	require.NoError(t, p.PublishBatch(context.Background(), "t1", nil))

	require.Len(t, w.msgs, 4)
	assert.Equal(t, "t1", w.msgs[0].Topic)
	assert.Equal(t, []byte("SPY"), w.msgs[0].Key)
	var decoded map[string]int
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, 1, decoded["a"])
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "application/json", string(w.msgs[0].Headers[0].Value))
	assert.Equal(t, []byte("raw"), w.msgs[1].Value)
	assert.Empty(t, w.msgs[1].Headers)

	n, err := testutil.GatherAndCount(reg, "leaps_kafka_producer_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestProducerBatchEncodeFailureSendsNothing(t *testing.T) {
	w := &fakeWriter{}
	p, err := NewProducer(WithWriter(w), WithCompression("none"))
	require.NoError(t, err)
	assert.Equal(t, "none", p.codec)

	err = p.PublishBatch(context.Background(), "t1", []Message{{Value: "ok"}, {Value: func() {}}})
	assert.Error(t, err)
	assert.Empty(t, w.msgs)
}

func TestProducerPublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	reg := prometheus.NewRegistry()
	p, err := NewProducer(WithWriter(w), WithProducerMetrics(reg))
	require.NoError(t, err)

	err = p.Publish(context.Background(), "t1", nil, "x")
	assert.ErrorContains(t, err, "broker down")

	n, err := testutil.GatherAndCount(reg, "leaps_kafka_producer_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type flakyHandler struct {
	fails int
	calls int
	panic bool
}

func (h *flakyHandler) Topic() string { return "flaky" }

func (h *flakyHandler) Handle(context.Context, []byte) error {
	h.calls++
	if h.panic {
		panic("boom")
	}
	if h.calls <= h.fails {
		return errors.New("transient")
	}
	return nil
}

func newTestConsumer(t *testing.T) *Consumer {
	t.Helper()
	c, err := NewConsumer(
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)
	return c
}

func TestHandleWithRetry(t *testing.T) {
	c := newTestConsumer(t)

	h := &flakyHandler{fails: 2}
	attempts, err := c.handleWithRetry(h, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	h = &flakyHandler{fails: 10}
	attempts, err = c.handleWithRetry(h, nil)
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)

	h = &flakyHandler{panic: true}
	_, err = c.handleWithRetry(h, nil)
	assert.ErrorContains(t, err, "panic")
}

func TestConsumerStartRequiresHandlers(t *testing.T) {
	c := newTestConsumer(t)
	assert.Error(t, c.Start())
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 100*time.Millisecond, attempt)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.pending) > 0 {
			m := r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type poisonHandler struct{}

func (poisonHandler) Topic() string { return "health" }

func (poisonHandler) Handle(_ context.Context, b []byte) error {
	if string(b) == "poison" {
		return errors.New("cannot apply")
	}
	return nil
}

func TestConsumerDeadLettersAndCommitsInOrder(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: []byte("ok")},
		{Offset: 2, Value: []byte("poison")},
		{Offset: 3, Value: []byte("ok")},
	}}
	dlq := &fakeWriter{}
	reg := prometheus.NewRegistry()

	c, err := NewConsumer(
		WithConsumerTransport(func(string) MessageReader { return reader }, dlq),
		WithConsumerDLQ("health.dlq"),
		WithConsumerRetry(1, time.Millisecond, time.Millisecond),
		WithConsumerMetrics(reg),
	)
	require.NoError(t, err)
	c.RegisterHandler(poisonHandler{})
	c.RegisterHandler(poisonHandler{})
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	assert.True(t, reader.closed)
	assert.True(t, dlq.closed)

	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "health.dlq", dlq.msgs[0].Topic)
	assert.Equal(t, []byte("poison"), dlq.msgs[0].Value)
	headers := map[string]string{}
	for _, h := range dlq.msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "health", headers["source_topic"])
	assert.Equal(t, "2", headers["source_offset"])
	assert.Equal(t, "cannot apply", headers["error"])

	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.dead.WithLabelValues("health")))
}

func TestConsumerWithoutDLQLeavesFailureUncommitted(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Offset: 7, Value: []byte("poison")},
		{Offset: 8, Value: []byte("ok")},
	}}
	c, err := NewConsumer(
		WithConsumerTransport(func(string) MessageReader { return reader }, nil),
		WithConsumerRetry(0, time.Millisecond, time.Millisecond),
	)
	require.NoError(t, err)
	c.RegisterHandler(poisonHandler{})
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []int64{8}, reader.commits())
}
