package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeHarness struct {
	store   Store
	advance func(time.Duration)
}

func newMemoryHarness(t *testing.T) storeHarness {
	t.Helper()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStoreWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return storeHarness{
		store: store,
		advance: func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		},
	}
}

func newRedisHarness(t *testing.T) storeHarness {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storeHarness{
		store:   NewRedisStoreFromClient(client),
		advance: server.FastForward,
	}
}

func forEachStore(t *testing.T, run func(t *testing.T, h storeHarness)) {
	t.Run("memory", func(t *testing.T) { run(t, newMemoryHarness(t)) })
	t.Run("redis", func(t *testing.T) { run(t, newRedisHarness(t)) })
}

func TestStoreGetSetDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()

		_, err := h.store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, h.store.Set(ctx, "a", []byte("1"), 0))
		value, err := h.store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), value)

		require.NoError(t, h.store.Delete(ctx, "a", "never-set"))
		_, err = h.store.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreTTLExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, "short", []byte("x"), time.Minute))
		require.NoError(t, h.store.Set(ctx, "forever", []byte("y"), 0))

		h.advance(2 * time.Minute)

		_, err := h.store.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = h.store.Get(ctx, "forever")
		assert.NoError(t, err)
	})
}

func TestStoreSetNXNeverOverwrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()

		written, err := h.store.SetNX(ctx, "report_job:a", []byte("first"), 0)
		require.NoError(t, err)
		assert.True(t, written)

		written, err = h.store.SetNX(ctx, "report_job:a", []byte("second"), 0)
		require.NoError(t, err)
		assert.False(t, written)

		value, err := h.store.Get(ctx, "report_job:a")
		require.NoError(t, err)
		assert.Equal(t, "first", string(value))

		written, err = h.store.SetNX(ctx, "lease", []byte("x"), time.Minute)
		require.NoError(t, err)
		require.True(t, written)
		h.advance(2 * time.Minute)
		written, err = h.store.SetNX(ctx, "lease", []byte("y"), 0)
		require.NoError(t, err)
		assert.True(t, written, "an expired key counts as absent")
	})
}

func TestStoreKeysByPrefix(t *testing.T) {
	forEachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()
		require.NoError(t, h.store.Set(ctx, "report_cache:b", []byte("1"), 0))
		require.NoError(t, h.store.Set(ctx, "report_cache:a", []byte("1"), 0))
		require.NoError(t, h.store.Set(ctx, "report_job:a", []byte("1"), 0))

		keys, err := h.store.Keys(ctx, "report_cache:")
		require.NoError(t, err)
		assert.Equal(t, []string{"report_cache:a", "report_cache:b"}, keys)
	})
}

func TestStoreUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()

		err := h.store.Update(ctx, "missing", func(b []byte) ([]byte, error) {
			t.Fatal("fn must not run for a missing key")
			return b, nil
		})
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, h.store.Set(ctx, "k", []byte("old"), time.Hour))
		require.NoError(t, h.store.Update(ctx, "k", func(b []byte) ([]byte, error) {
			assert.Equal(t, []byte("old"), b)
			return []byte("new"), nil
		}))
		value, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), value)

		abort := errors.New("abort")
		err = h.store.Update(ctx, "k", func([]byte) ([]byte, error) { return []byte("ignored"), abort })
		assert.ErrorIs(t, err, abort)
		value, err = h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), value)

		h.advance(2 * time.Hour)
		_, err = h.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound, "update keeps the original expiry")
	})
}

func TestStoreListIsFIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, h storeHarness) {
		ctx := context.Background()

		_, err := h.store.Pop(ctx, "queue")
		assert.ErrorIs(t, err, ErrNotFound)

		for _, member := range []string{"one", "two", "three"} {
			require.NoError(t, h.store.Push(ctx, "queue", member))
		}
		length, err := h.store.Len(ctx, "queue")
		require.NoError(t, err)
		assert.EqualValues(t, 3, length)

		for _, want := range []string{"one", "two", "three"} {
			got, err := h.store.Pop(ctx, "queue")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		length, err = h.store.Len(ctx, "queue")
		require.NoError(t, err)
		assert.Zero(t, length)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	input := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", input, 0))
	input[0] = 'z'

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	value[1] = 'z'

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "counter", []byte{0}, 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(ctx, "counter", func(b []byte) ([]byte, error) {
				return []byte{b[0] + 1}, nil
			})
		}()
	}
	wg.Wait()

	value, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, byte(50), value[0])
}
