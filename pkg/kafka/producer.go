package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

const headerContentType = "content-type"

// Message is one record to publish. Values other than []byte and string are
// JSON-encoded.
type Message struct {
	Key   []byte
	Value any
}

// Producer publishes to any topic through one kafka.Writer.
type Producer struct {
	writer  MessageWriter
	codec   string
	metrics *producerMetrics
	now     func() time.Time
}

func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := defaultProducerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	codec, compressed := compression(cfg.Compression)
	p := &Producer{writer: cfg.Writer, codec: "none", now: time.Now}
	if compressed {
		p.codec = cfg.Compression
	}
	if cfg.Registerer != nil {
		p.metrics = newProducerMetrics(cfg.Registerer)
	}
	if p.writer != nil {
		return p, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka producer: brokers are required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		BatchSize:    cfg.BatchSize,
		BatchBytes:   cfg.BatchBytes,
		BatchTimeout: cfg.BatchTimeout,
	}
	if cfg.HashByKey {
		w.Balancer = &kafka.Hash{}
	}
	if compressed {
		w.Compression = codec
	}
	p.writer = w
	return p, nil
}

// Publish sends one keyed record.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value any) error {
	return p.PublishBatch(ctx, topic, []Message{{Key: key, Value: value}})
}

// PublishMessage publishes payload without a key. It satisfies logger.Publisher.
func (p *Producer) PublishMessage(ctx context.Context, topic string, payload any) error {
	return p.PublishBatch(ctx, topic, []Message{{Value: payload}})
}

// PublishBatch writes all messages in one call. Nothing is sent if any value
// fails to encode.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	start := p.now()
	out := make([]kafka.Message, len(messages))
	var size int64
	for i, m := range messages {
		km, err := record(topic, m, start)
		if err != nil {
			return err
		}
		out[i] = km
		size += int64(len(km.Value))
	}

	err := p.writer.WriteMessages(ctx, out...)
	p.metrics.observe(topic, p.codec, size, len(out), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("publish %d to %s: %w", len(out), topic, err)
	}
	return nil
}

func record(topic string, m Message, ts time.Time) (kafka.Message, error) {
	km := kafka.Message{Topic: topic, Key: m.Key, Time: ts}
	switch v := m.Value.(type) {
	case []byte:
		km.Value = v
	case string:
		km.Value = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return km, fmt.Errorf("encode %T for %s: %w", v, topic, err)
		}
		km.Value = b
		km.Headers = []kafka.Header{{Key: headerContentType, Value: []byte("application/json")}}
	}
	return km, nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type producerMetrics struct {
	msgs    *prometheus.CounterVec
	errs    *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func newProducerMetrics(reg prometheus.Registerer) *producerMetrics {
	f := promauto.With(reg)
	return &producerMetrics{
		msgs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leaps_kafka_producer_messages_total",
			Help: "Messages handed to the Kafka writer, by outcome.",
		}, []string{"topic", "compression", "result"}),
		errs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leaps_kafka_producer_errors_total",
			Help: "Failed write calls.",
		}, []string{"topic"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leaps_kafka_producer_bytes_total",
			Help: "Uncompressed payload bytes written.",
		}, []string{"topic", "compression"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leaps_kafka_producer_publish_seconds",
			Help:    "Write call latency.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"topic"}),
	}
}

func (m *producerMetrics) observe(topic, codec string, size int64, n int, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		m.errs.WithLabelValues(topic).Inc()
	}
	m.msgs.WithLabelValues(topic, codec, result).Add(float64(n))
	if err == nil {
		m.bytes.WithLabelValues(topic, codec).Add(float64(size))
	}
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
}
