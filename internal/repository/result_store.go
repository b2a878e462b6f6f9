package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"LeapsEngine/internal/domain/models"
	domrepo "LeapsEngine/internal/domain/repository"
	pkgch "LeapsEngine/pkg/clickhouse"
)

const insertChunk = 2000

// CHResultStore archives backtest trades and LEAPS picks in ClickHouse.
type CHResultStore struct {
	db          *sql.DB
	tradesTable string
	picksTable  string
}

func NewCHResultStore(ch *pkgch.Client, database string) (*CHResultStore, error) {
	s := &CHResultStore{
		db:          ch.DB(),
		tradesTable: database + ".backtest_trades",
		picksTable:  database + ".leaps_picks",
	}
	if err := validIdent(s.tradesTable); err != nil {
		return nil, err
	}
	return s, nil
}

// PublishBacktest inserts the run's trades with multi-row VALUES, chunked.
func (s *CHResultStore) PublishBacktest(ctx context.Context, res *models.BacktestResult) error {
	const cols = "(run_id, trade_id, symbol, contract, entry_date, exit_date, entry_price, exit_price, quantity, pnl, exit_reason)"
	return insertChunked(ctx, s.db, s.tradesTable, cols, len(res.Trades), 11, func(i int) []any {
		t := res.Trades[i]
		return []any{res.ID, t.ID, t.Symbol, t.Contract, t.EntryDate, t.ExitDate, t.EntryPrice, t.ExitPrice, int32(t.Quantity), t.PnL, string(t.ExitReason)}
	})
}

func (s *CHResultStore) PublishSelection(ctx context.Context, sel *models.LEAPSSelection) error {
	const cols = "(selected_at, symbol, contract, strategy, score, confidence, entry_price, expires_at)"
	return insertChunked(ctx, s.db, s.picksTable, cols, len(sel.Picks), 8, func(i int) []any {
		p := sel.Picks[i]
		return []any{sel.SelectedAt, sel.Symbol, p.Contract.Symbol, p.Strategy, p.Score, p.Confidence, p.EntryPrice, p.Metadata.ExpiresAt}
	})
}

// Close is a no-op; the pool is owned by the clickhouse client.
func (s *CHResultStore) Close() error { return nil }

func insertChunked(ctx context.Context, db *sql.DB, table, cols string, n, width int, row func(i int) []any) error {
	if n == 0 {
		return nil
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	for start := 0; start < n; start += insertChunk {
		end := min(start+insertChunk, n)
		values := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*width)
		for i := start; i < end; i++ {
			values = append(values, placeholder)
			args = append(args, row(i)...)
		}
		q := fmt.Sprintf("INSERT INTO %s %s VALUES %s", table, cols, strings.Join(values, ","))
		if _, err := db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

var _ domrepo.ResultPublisher = (*CHResultStore)(nil)
