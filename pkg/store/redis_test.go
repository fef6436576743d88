package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	s := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisConfig{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return s, r
}

func TestListOperations(t *testing.T) {
	_, r := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.RPush(ctx, "l", "b", "c"))
	require.NoError(t, r.LPush(ctx, "l", "a"))

	n, err := r.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := r.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	removed, err := r.LRem(ctx, "l", 1, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	v, ok, err := r.LPop(ctx, "l")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	require.NoError(t, r.LTrim(ctx, "l", 1, -1))
	_, ok, err = r.LPop(ctx, "l")
	require.NoError(t, err)
	assert.False(t, ok, "trim should have emptied the list")
}

func TestKeyOperations(t *testing.T) {
	s, r := setupTestRedis(t)
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))
	v, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, time.Minute, s.TTL("k"))

	set, err := r.SetNX(ctx, "lock", "token-a", time.Second)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = r.SetNX(ctx, "lock", "token-b", time.Second)
	require.NoError(t, err)
	assert.False(t, set)

	deleted, err := r.DelIfEqual(ctx, "lock", "token-b")
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = r.DelIfEqual(ctx, "lock", "token-a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, s.Exists("lock"))
}

func TestHashOperations(t *testing.T) {
	_, r := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, r.HIncrBy(ctx, "h", "a", 4))
	require.NoError(t, r.HDel(ctx, "h", "b"))

	got, err := r.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "5"}, got)

	got, err = r.HGetAll(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAtomic(t *testing.T) {
	s, r := setupTestRedis(t)
	ctx := context.Background()

	err := r.Atomic(ctx, func(tx Tx) error {
		tx.HSet("rec", map[string]string{"id": "1"})
		tx.Expire("rec", time.Hour)
		tx.RPush("list", "1", "2")
		tx.HIncrBy("stats", "queued", 2)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, s.TTL("rec"))

	n, err := r.LLen(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// An error from the builder discards every queued command.
	boom := errors.New("boom")
	err = r.Atomic(ctx, func(tx Tx) error {
		tx.RPush("list", "3")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	n, err = r.LLen(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPublishSubscribe(t *testing.T) {
	_, r := setupTestRedis(t)
	ctx := context.Background()

	received := make(chan string, 1)
	sub, err := r.Subscribe(ctx, "events", func(msg string) { received <- msg })
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, "events", "hello"))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")
}

func TestNewRedisUnreachable(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", PingTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}
