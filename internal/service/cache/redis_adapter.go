package cache

import (
	"context"
	"errors"
	"time"

	pkgcache "LeapsEngine/pkg/cache"
)

var _ BytesCache = (*RedisBytes)(nil)

// RedisBytes adapts a pkg/cache store to BytesCache, turning ErrCacheMiss into ok=false.
type RedisBytes struct {
	rc pkgcache.Store
}

func NewRedisBytes(rc pkgcache.Store) *RedisBytes {
	return &RedisBytes{rc: rc}
}

func (r *RedisBytes) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rc.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, pkgcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisBytes) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rc.SetBytes(ctx, key, value, ttl)
}

func (r *RedisBytes) DeleteMatching(ctx context.Context, substr string) error {
	return r.rc.DeleteMatching(ctx, substr)
}
