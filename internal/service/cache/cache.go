package cache

import (
	"context"
	"time"
)

// BytesCache is a minimal shared cache storing raw bytes with TTL.
// GetBytes reports ok=false on a miss; errors are transport failures.
type BytesCache interface {
	GetBytes(ctx context.Context, key string) (b []byte, ok bool, err error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteMatching(ctx context.Context, substr string) error
}
