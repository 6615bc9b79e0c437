package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryBurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(1, 3)
	m.now = clock.now
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, _ := m.Allow(ctx, "10.0.0.1")
	assert.False(t, ok, "burst exhausted")

	ok, _ = m.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "other clients have their own bucket")

	clock.t = clock.t.Add(time.Second)
	ok, _ = m.Allow(ctx, "10.0.0.1")
	assert.True(t, ok, "one token refilled after a second")
}

func TestMemoryFloors(t *testing.T) {
	m := NewMemory(0, 0)
	assert.Equal(t, 1, m.burst)
	assert.InDelta(t, 0.1, float64(m.rps), 1e-9)
}

func TestMemorySweepsIdleBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(10, 20)
	m.now = clock.now
	ctx := context.Background()

	_, _ = m.Allow(ctx, "a")
	_, _ = m.Allow(ctx, "b")
	require.Equal(t, 2, m.Len())

	clock.t = clock.t.Add(idleTTL + 2*time.Minute)
	_, _ = m.Allow(ctx, "c")
	assert.Equal(t, 1, m.Len())
}

func newRedis(t *testing.T, rps float64, burst int) (*Redis, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	r := NewRedis(client, "test:rl:", rps, burst)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.now
	t.Cleanup(func() { _ = r.Close() })
	return r, mr, clock
}

func TestRedisBurstThenRefill(t *testing.T) {
	r, mr, clock := newRedis(t, 2, 2)
	ctx := context.Background()

	for range 2 {
		ok, err := r.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := r.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
	assert.True(t, mr.Exists("test:rl:10.0.0.1"))

	clock.t = clock.t.Add(500 * time.Millisecond)
	ok, err = r.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "one token refilled after half a second at 2 rps")
}

func TestRedisSharedAcrossLimiters(t *testing.T) {
	r1, mr, clock := newRedis(t, 1, 1)
	r2 := NewRedis(backend.NewClient(&backend.Options{Addr: mr.Addr()}), "test:rl:", 1, 1)
	r2.now = clock.now
	defer r2.Close()
	ctx := context.Background()

	ok, err := r1.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r2.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "second replica sees the drained bucket")
}

func TestRedisErrorSurfaces(t *testing.T) {
	r, mr, _ := newRedis(t, 1, 1)
	mr.Close()
	_, err := r.Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestNewRedisFromURL(t *testing.T) {
	_, err := NewRedisFromURL("not a url", 1, 1)
	assert.Error(t, err)
	r, err := NewRedisFromURL("redis://localhost:6379/0", 1, 1)
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}
