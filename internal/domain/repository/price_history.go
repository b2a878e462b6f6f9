package repository

import (
	"context"
	"time"
)

// PriceHistory supplies daily closes for price-path simulation.
// Closes returns up to days+1 closes starting at from (index 0 is the close on from).
type PriceHistory interface {
	Closes(ctx context.Context, symbol string, from time.Time, days int) ([]float64, error)
}
