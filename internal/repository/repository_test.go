package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeapsEngine/internal/domain/models"
	pkgch "LeapsEngine/pkg/clickhouse"
	pkgkafka "LeapsEngine/pkg/kafka"
)

func TestCHPriceHistoryCloses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	h, err := NewCHPriceHistory(pkgch.NewClientFromDB(db), "leaps.underlying_daily", nil)
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT close\\s+FROM leaps.underlying_daily FINAL").
		WithArgs("SPY", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)).
		WillReturnRows(sqlmock.NewRows([]string{"close"}).AddRow(500.5).AddRow(502.25).AddRow(499.0))

	closes, err := h.Closes(context.Background(), "SPY", from, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{500.5, 502.25, 499.0}, closes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCHPriceHistoryQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	h, err := NewCHPriceHistory(pkgch.NewClientFromDB(db), "leaps.underlying_daily", nil)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT close").WillReturnError(errors.New("connection reset"))
	_, err = h.Closes(context.Background(), "SPY", time.Now(), 10)
	assert.ErrorContains(t, err, "connection reset")
}

func TestCHPriceHistoryRejectsBadTable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	_, err = NewCHPriceHistory(pkgch.NewClientFromDB(db), "t; DROP TABLE x", nil)
	assert.Error(t, err)
}

func TestCHResultStoreInsertsTrades(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s, err := NewCHResultStore(pkgch.NewClientFromDB(db), "leaps")
	require.NoError(t, err)

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	res := &models.BacktestResult{
		ID: "run-1",
		Trades: []models.Trade{
			{ID: "t1", Symbol: "SPY", Contract: "SPY250620C00450000", EntryDate: day, ExitDate: day.AddDate(0, 0, 30), EntryPrice: 40, ExitPrice: 80, Quantity: 2, PnL: 8000, ExitReason: models.ExitTakeProfit},
			{ID: "t2", Symbol: "QQQ", Contract: "QQQ250620C00380000", EntryDate: day, ExitDate: day.AddDate(0, 0, 40), EntryPrice: 30, ExitPrice: 19.5, Quantity: 1, PnL: -1050, ExitReason: models.ExitStopLoss},
		},
	}
	mock.ExpectExec("INSERT INTO leaps.backtest_trades").
		WithArgs(
			"run-1", "t1", "SPY", "SPY250620C00450000", day, day.AddDate(0, 0, 30), 40.0, 80.0, int32(2), 8000.0, "tp",
			"run-1", "t2", "QQQ", "QQQ250620C00380000", day, day.AddDate(0, 0, 40), 30.0, 19.5, int32(1), -1050.0, "sl",
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.PublishBacktest(context.Background(), res))
	require.NoError(t, s.PublishBacktest(context.Background(), &models.BacktestResult{ID: "empty"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

type memWriter struct {
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func TestKafkaResultPublisher(t *testing.T) {
	w := &memWriter{}
	prod, err := pkgkafka.NewProducer(pkgkafka.WithWriter(w))
	require.NoError(t, err)
	p := NewKafkaResultPublisher(prod, "leaps.backtest.results", "leaps.selections")

	require.NoError(t, p.PublishBacktest(context.Background(), &models.BacktestResult{ID: "run-7"}))
	require.NoError(t, p.PublishSelection(context.Background(), &models.LEAPSSelection{Symbol: "AAPL"}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "leaps.backtest.results", w.msgs[0].Topic)
	assert.Equal(t, []byte("run-7"), w.msgs[0].Key)
	assert.Equal(t, "leaps.selections", w.msgs[1].Topic)
	assert.Equal(t, []byte("AAPL"), w.msgs[1].Key)
	assert.Contains(t, string(w.msgs[1].Value), `"symbol":"AAPL"`)
}

type stubPublisher struct {
	err   error
	calls int
}

func (s *stubPublisher) PublishBacktest(context.Context, *models.BacktestResult) error {
	s.calls++
	return s.err
}

func (s *stubPublisher) PublishSelection(context.Context, *models.LEAPSSelection) error {
	s.calls++
	return s.err
}

func (s *stubPublisher) Close() error { return nil }

func TestFanoutPublisher(t *testing.T) {
	ok, bad := &stubPublisher{}, &stubPublisher{err: errors.New("down")}
	f := FanoutPublisher{bad, ok}

	err := f.PublishBacktest(context.Background(), &models.BacktestResult{})
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, ok.calls)

	assert.NoError(t, FanoutPublisher{ok}.PublishSelection(context.Background(), &models.LEAPSSelection{}))
	assert.NoError(t, f.Close())
}
