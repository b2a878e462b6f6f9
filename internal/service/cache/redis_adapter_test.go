package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgcache "LeapsEngine/pkg/cache"
)

type fakeStore struct {
	data    map[string][]byte
	getErr  error
	cleared []string
}

func (f *fakeStore) GetBytes(_ context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.data[key]
	if !ok {
		return nil, pkgcache.ErrCacheMiss
	}
	return b, nil
}

func (f *fakeStore) SetBytes(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeStore) DeleteMatching(_ context.Context, substr string) error {
	f.cleared = append(f.cleared, substr)
	return nil
}

func TestRedisBytesMissIsNotAnError(t *testing.T) {
	store := &fakeStore{data: map[string][]byte{}}
	rb := NewRedisBytes(store)
	ctx := context.Background()

	_, ok, err := rb.GetBytes(ctx, "quote:AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rb.SetBytes(ctx, "quote:AAPL", []byte(`{"bid":1}`), time.Second))
	b, ok, err := rb.GetBytes(ctx, "quote:AAPL")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"bid":1}`, string(b))

	require.NoError(t, rb.DeleteMatching(ctx, "AAPL"))
	assert.Equal(t, []string{"AAPL"}, store.cleared)
}

func TestRedisBytesTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	rb := NewRedisBytes(&fakeStore{getErr: boom})

	_, ok, err := rb.GetBytes(context.Background(), "k")
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
}
