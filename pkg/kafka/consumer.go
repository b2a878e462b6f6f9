package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"LeapsEngine/pkg/logger"
)

// MessageHandler handles every message of one topic. A returned error is
// retried with backoff, then the message goes to the DLQ.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerOption func(*ConsumerConfig)

type ConsumerConfig struct {
	Brokers    []string
	GroupID    string
	Lanes      int // partitions are hashed onto lanes; order holds per partition
	LaneBuffer int
	RetryMax   int
	BackoffMin time.Duration
	BackoffMax time.Duration
	DLQTopic   string
	MinBytes   int
	MaxBytes   int
	Registerer prometheus.Registerer
	Logger     *logger.Logger
	NewReader  func(topic string) MessageReader
	DLQWriter  MessageWriter
}

func WithConsumerBrokers(brokers []string) ConsumerOption { return func(c *ConsumerConfig) { c.Brokers = brokers } }
func WithConsumerGroupID(id string) ConsumerOption        { return func(c *ConsumerConfig) { c.GroupID = id } }
func WithConsumerDLQ(topic string) ConsumerOption         { return func(c *ConsumerConfig) { c.DLQTopic = topic } }
func WithConsumerLogger(l *logger.Logger) ConsumerOption  { return func(c *ConsumerConfig) { c.Logger = l } }

// WithConsumerWorkers sets the number of processing lanes.
func WithConsumerWorkers(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.Lanes = n
		}
	}
}

// WithConsumerRetry sets how often a failing message is retried and the
// backoff window. Zero durations keep the defaults.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		if max >= 0 {
			c.RetryMax = max
		}
		if backoffMin > 0 {
			c.BackoffMin = backoffMin
		}
		if backoffMax > 0 {
			c.BackoffMax = backoffMax
		}
	}
}

func WithConsumerMetrics(reg prometheus.Registerer) ConsumerOption {
	return func(c *ConsumerConfig) { c.Registerer = reg }
}

// WithConsumerTransport replaces the Kafka reader and DLQ writer.
func WithConsumerTransport(newReader func(topic string) MessageReader, dlq MessageWriter) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.NewReader = newReader
		c.DLQWriter = dlq
	}
}

// Consumer reads each registered topic with its own group reader and hands
// messages to a fixed set of lanes. A lane handles, dead-letters and commits
// one message at a time, so offsets are committed in order.
type Consumer struct {
	cfg      *ConsumerConfig
	log      *logger.Logger
	metrics  *consumerMetrics
	handlers map[string]MessageHandler
	readers  map[string]MessageReader
	lanes    []chan kafka.Message
	dlq      MessageWriter

	ctx     context.Context
	cancel  context.CancelFunc
	fetchWG sync.WaitGroup
	laneWG  sync.WaitGroup
	stop    sync.Once
}

func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:    "leaps-engine",
		Lanes:      1,
		LaneBuffer: 16,
		RetryMax:   3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: 2 * time.Second,
		MinBytes:   1,
		MaxBytes:   10 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 && cfg.NewReader == nil {
		return nil, errors.New("kafka consumer: brokers are required")
	}

	c := &Consumer{
		cfg:      cfg,
		log:      cfg.Logger,
		handlers: make(map[string]MessageHandler),
		readers:  make(map[string]MessageReader),
		dlq:      cfg.DLQWriter,
	}
	if c.log == nil {
		c.log = logger.NewNop()
	}
	c.log = c.log.With(logger.String("component", "kafka-consumer"))
	if cfg.Registerer != nil {
		c.metrics = newConsumerMetrics(cfg.Registerer)
	}
	if c.dlq == nil && cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.Hash{}}
	}
	return c, nil
}

// RegisterHandler must be called before Start. The first handler per topic wins.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	if _, ok := c.handlers[h.Topic()]; ok {
		c.log.Warn("handler already registered", logger.String("topic", h.Topic()))
		return
	}
	c.handlers[h.Topic()] = h
}

func (c *Consumer) newReader(topic string) MessageReader {
	if c.cfg.NewReader != nil {
		return c.cfg.NewReader(topic)
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: c.cfg.MinBytes,
		MaxBytes: c.cfg.MaxBytes,
	})
}

func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no handlers registered")
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.lanes = make([]chan kafka.Message, c.cfg.Lanes)
	for i := range c.lanes {
		c.lanes[i] = make(chan kafka.Message, c.cfg.LaneBuffer)
		c.laneWG.Add(1)
		go c.runLane(c.lanes[i])
	}
	for topic := range c.handlers {
		r := c.newReader(topic)
		c.readers[topic] = r
		c.fetchWG.Add(1)
		go c.fetch(topic, r)
	}
	c.log.Info("kafka consumer running", logger.Int("lanes", len(c.lanes)), logger.Int("topics", len(c.readers)))
	return nil
}

// Stop halts fetching, lets lanes drain what they hold, then closes readers.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stop.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		c.fetchWG.Wait()
		for _, l := range c.lanes {
			close(l)
		}

		done := make(chan struct{})
		go func() {
			c.laneWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("kafka consumer stop: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Warn("close reader", logger.String("topic", topic), logger.Error(cerr))
			}
		}
		if c.dlq != nil {
			if cerr := c.dlq.Close(); cerr != nil {
				c.log.Warn("close dlq writer", logger.Error(cerr))
			}
		}
	})
	return err
}

func (c *Consumer) fetch(topic string, r MessageReader) {
	defer c.fetchWG.Done()
	for {
		m, err := r.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Error("fetch failed", logger.String("topic", topic), logger.Error(err))
			if !sleepCtx(c.ctx, c.cfg.BackoffMax) {
				return
			}
			continue
		}
		if m.Topic == "" {
			m.Topic = topic
		}
		lane := c.lanes[m.Partition%len(c.lanes)]
		select {
		case lane <- m:
			c.metrics.queue(topic, len(lane), cap(lane))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) runLane(in <-chan kafka.Message) {
	defer c.laneWG.Done()
	for m := range in {
		c.process(m)
	}
}

func (c *Consumer) process(m kafka.Message) {
	h, ok := c.handlers[m.Topic]
	if !ok {
		return
	}
	start := time.Now()
	attempts, err := c.handleWithRetry(h, m.Value)
	c.metrics.handled(m.Topic, time.Since(start), err)

	if err != nil && c.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.log.Error("message failed",
			logger.String("topic", m.Topic),
			logger.Int("partition", m.Partition),
			logger.Int64("offset", m.Offset),
			logger.Int("attempts", attempts),
			logger.Error(err))
		if c.dlq == nil || !c.deadLetter(m, err) {
			// Leave it uncommitted so the group redelivers it.
			return
		}
	}
	c.commit(m)
}

// handleWithRetry runs h with panic recovery, at most RetryMax+1 times.
func (c *Consumer) handleWithRetry(h MessageHandler, data []byte) (int, error) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = safeHandle(ctx, h, data); err == nil || attempt > c.cfg.RetryMax {
			return attempt, err
		}
		if !sleepCtx(ctx, backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) {
			return attempt, err
		}
	}
}

func safeHandle(ctx context.Context, h MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", h.Topic(), r)
		}
	}()
	return h.Handle(ctx, data)
}

func (c *Consumer) deadLetter(m kafka.Message, cause error) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   m.Key,
		Value: m.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(m.Topic)},
			{Key: "source_partition", Value: []byte(strconv.Itoa(m.Partition))},
			{Key: "source_offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		c.log.Error("dlq write failed", logger.String("dlq", c.cfg.DLQTopic), logger.Error(err))
		return false
	}
	c.metrics.deadLettered(m.Topic)
	return true
}

func (c *Consumer) commit(m kafka.Message) {
	r := c.readers[m.Topic]
	if r == nil {
		return
	}
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, m)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Error("commit failed", logger.String("topic", m.Topic), logger.Int64("offset", m.Offset), logger.Error(err))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoffWithJitter doubles from min per attempt, caps at max and subtracts
// up to half as jitter.
func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if half := int64(d) / 2; half > 0 {
		d -= time.Duration(rand.Int63n(half))
	}
	return d
}

type consumerMetrics struct {
	depth   *prometheus.GaugeVec
	latency *prometheus.HistogramVec
	failed  *prometheus.CounterVec
	dead    *prometheus.CounterVec
}

func newConsumerMetrics(reg prometheus.Registerer) *consumerMetrics {
	f := promauto.With(reg)
	return &consumerMetrics{
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leaps_kafka_consumer_lane_fill_ratio",
			Help: "Lane buffer utilization at last enqueue.",
		}, []string{"topic"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "leaps_kafka_consumer_handle_seconds",
			Help: "Handling time per message including retries.",
		}, []string{"topic"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leaps_kafka_consumer_errors_total",
			Help: "Messages that failed after all retries.",
		}, []string{"topic"}),
		dead: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leaps_kafka_consumer_dead_lettered_total",
			Help: "Messages written to the DLQ.",
		}, []string{"topic"}),
	}
}

func (m *consumerMetrics) queue(topic string, n, capacity int) {
	if m == nil || capacity == 0 {
		return
	}
	m.depth.WithLabelValues(topic).Set(float64(n) / float64(capacity))
}

func (m *consumerMetrics) handled(topic string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
	if err != nil {
		m.failed.WithLabelValues(topic).Inc()
	}
}

func (m *consumerMetrics) deadLettered(topic string) {
	if m != nil {
		m.dead.WithLabelValues(topic).Inc()
	}
}
