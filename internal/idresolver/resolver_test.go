package idresolver

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, WithPolling(5*time.Millisecond, 60*time.Millisecond)), mr
}

func TestDurableIDPassesThroughWithoutRedis(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.Close()

	id := uuid.NewString()
	got, err := r.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestBoundTempIDResolves(t *testing.T) {
	r, mr := newTestResolver(t)
	ctx := context.Background()
	realID := uuid.NewString()

	require.NoError(t, r.Register(ctx, "tmp-1"))
	require.NoError(t, r.Bind(ctx, "tmp-1", realID))

	got, err := r.Resolve(ctx, "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, realID, got)

	temp, err := r.TempFor(ctx, realID)
	require.NoError(t, err)
	assert.Equal(t, "tmp-1", temp)
	assert.Equal(t, DefaultTTL, mr.TTL("tempid:tmp-1"))
	assert.Equal(t, DefaultTTL, mr.TTL("realid:"+realID))
}

func TestPendingTempIDResolvesOnceBound(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	realID := uuid.NewString()
	require.NoError(t, r.Register(ctx, "tmp-2"))

	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = r.Bind(ctx, "tmp-2", realID)
	}()

	got, err := r.Resolve(ctx, "tmp-2")
	require.NoError(t, err)
	assert.Equal(t, realID, got)
}

func TestPendingTempIDTimesOut(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "tmp-3"))

	_, err := r.Resolve(ctx, "tmp-3")
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownTempIDIsNotFound(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "never-registered")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.TempFor(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMappingExpires(t *testing.T) {
	r, mr := newTestResolver(t)
	ctx := context.Background()
	require.NoError(t, r.Bind(ctx, "tmp-4", uuid.NewString()))

	mr.FastForward(DefaultTTL + time.Second)
	_, err := r.Resolve(ctx, "tmp-4")
	assert.ErrorIs(t, err, ErrNotFound)
}
