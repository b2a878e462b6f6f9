package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domrepo "LeapsEngine/internal/domain/repository"
	pkgch "LeapsEngine/pkg/clickhouse"
	applogger "LeapsEngine/pkg/logger"
	"LeapsEngine/pkg/util"
)

// CHPriceHistory implements PriceHistory backed by a ClickHouse table of
// daily closes (symbol, day, close).
type CHPriceHistory struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHPriceHistory(ch *pkgch.Client, table string, l *applogger.Logger) (*CHPriceHistory, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &CHPriceHistory{db: ch.DB(), table: table, l: l}, nil
}

// Closes returns closes for symbol on trading days in [from, from+days], ascending.
// Calendar days without a row are skipped.
func (s *CHPriceHistory) Closes(ctx context.Context, symbol string, from time.Time, days int) ([]float64, error) {
	start := time.Now()
	from = util.TruncateDay(from)
	to := from.AddDate(0, 0, days)

	q := fmt.Sprintf(`
        SELECT close
        FROM %s FINAL
        WHERE symbol = ? AND day >= ? AND day <= ?
        ORDER BY day ASC
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, from, to)
	if err != nil {
		s.l.Error("clickhouse closes query error",
			applogger.String("table", s.table),
			applogger.String("symbol", symbol),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("query closes: %w", err)
	}
	defer rows.Close()

	out := make([]float64, 0, days+1)
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan close: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	s.l.Debug("clickhouse closes ok",
		applogger.String("symbol", symbol),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

var _ domrepo.PriceHistory = (*CHPriceHistory)(nil)
