package repository

import (
	"fmt"
	"regexp"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// validIdent guards table names that are interpolated into SQL.
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// Schema returns idempotent DDL for the price history and result archive tables.
func Schema(database string) []string {
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.underlying_daily (
            symbol LowCardinality(String),
            day    Date,
            close  Float64
        ) ENGINE = ReplacingMergeTree ORDER BY (symbol, day)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.backtest_trades (
            run_id      String,
            trade_id    String,
            symbol      LowCardinality(String),
            contract    String,
            entry_date  Date,
            exit_date   Date,
            entry_price Float64,
            exit_price  Float64,
            quantity    Int32,
            pnl         Float64,
            exit_reason LowCardinality(String)
        ) ENGINE = MergeTree ORDER BY (run_id, entry_date)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.leaps_picks (
            selected_at DateTime,
            symbol      LowCardinality(String),
            contract    String,
            strategy    LowCardinality(String),
            score       Float64,
            confidence  Float64,
            entry_price Float64,
            expires_at  DateTime
        ) ENGINE = MergeTree ORDER BY (symbol, selected_at)`, database),
	}
}
