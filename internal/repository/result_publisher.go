package repository

import (
	"context"
	"errors"

	"LeapsEngine/internal/domain/models"
	domrepo "LeapsEngine/internal/domain/repository"
	pkgkafka "LeapsEngine/pkg/kafka"
)

// KafkaResultPublisher ships backtest results and selections to Kafka.
// Results are keyed by run ID, selections by underlying symbol.
type KafkaResultPublisher struct {
	producer        *pkgkafka.Producer
	backtestTopic   string
	selectionsTopic string
}

func NewKafkaResultPublisher(producer *pkgkafka.Producer, backtestTopic, selectionsTopic string) *KafkaResultPublisher {
	return &KafkaResultPublisher{producer: producer, backtestTopic: backtestTopic, selectionsTopic: selectionsTopic}
}

func (p *KafkaResultPublisher) PublishBacktest(ctx context.Context, res *models.BacktestResult) error {
	return p.producer.Publish(ctx, p.backtestTopic, []byte(res.ID), res)
}

func (p *KafkaResultPublisher) PublishSelection(ctx context.Context, sel *models.LEAPSSelection) error {
	return p.producer.Publish(ctx, p.selectionsTopic, []byte(sel.Symbol), sel)
}

func (p *KafkaResultPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// FanoutPublisher forwards to every publisher and joins their errors.
type FanoutPublisher []domrepo.ResultPublisher

func (f FanoutPublisher) PublishBacktest(ctx context.Context, res *models.BacktestResult) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishBacktest(ctx, res))
	}
	return errors.Join(errs...)
}

func (f FanoutPublisher) PublishSelection(ctx context.Context, sel *models.LEAPSSelection) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishSelection(ctx, sel))
	}
	return errors.Join(errs...)
}

func (f FanoutPublisher) Close() error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

var (
	_ domrepo.ResultPublisher = (*KafkaResultPublisher)(nil)
	_ domrepo.ResultPublisher = FanoutPublisher(nil)
)
