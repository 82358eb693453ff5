package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	values map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{values: make(map[string]string)} }

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.values, k)
	}
	return nil
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	store := newFakeRedis()
	ctx := context.Background()

	a, err := NewRedisLock(store, "updown:scheduler", time.Minute)
	require.NoError(t, err)
	b, err := NewRedisLock(store, "updown:scheduler", time.Minute)
	require.NoError(t, err)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b never owned the lease, so its release must not free a's.
	require.NoError(t, b.Release(ctx))
	assert.Contains(t, store.values, "updown:scheduler")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseAfterExpiryDoesNotStealNewOwner(t *testing.T) {
	store := newFakeRedis()
	ctx := context.Background()

	a, err := NewRedisLock(store, "k", time.Minute)
	require.NoError(t, err)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate TTL expiry and another owner taking over.
	store.values["k"] = "someone-else"
	require.NoError(t, a.Release(ctx))
	assert.Equal(t, "someone-else", store.values["k"])
}

func TestNewRedisLock_Validation(t *testing.T) {
	_, err := NewRedisLock(nil, "k", time.Second)
	assert.Error(t, err)
	_, err = NewRedisLock(newFakeRedis(), "", time.Second)
	assert.Error(t, err)
	_, err = NewGoRedisLock(nil, "k", time.Second)
	assert.Error(t, err)
}
