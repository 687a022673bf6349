package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

func TestGetLoadsOnce(t *testing.T) {
	var loads int32
	c := New("disabled_packages", schema.TablePackages, func(ctx context.Context) (map[string]bool, error) {
		atomic.AddInt32(&loads, 1)
		return map[string]bool{"p1": true, "p2": false}, nil
	}, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v, ok, err := c.Get(ctx, "p1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, v)
	}

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "miss after load is not-found, not an error")

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestInvalidateReloads(t *testing.T) {
	var loads int32
	c := New("disabled_packages", schema.TablePackages, func(ctx context.Context) (map[string]bool, error) {
		atomic.AddInt32(&loads, 1)
		return map[string]bool{"p1": atomic.LoadInt32(&loads) > 1}, nil
	}, nil)

	ctx := context.Background()
	v, _, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, v)

	c.Invalidate()

	v, _, err = c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, v, "reload must observe new state")
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}

// Consecutive clears with no intervening reads are idempotent; the next read
// repopulates correctly.
func TestIdempotentClear(t *testing.T) {
	var loads int32
	c := New("c", schema.TableAccounts, func(ctx context.Context) (map[string]int, error) {
		atomic.AddInt32(&loads, 1)
		return map[string]int{"a": 1}, nil
	}, nil)

	ctx := context.Background()
	_, _, err := c.Get(ctx, "a")
	require.NoError(t, err)

	c.InvalidateTable(schema.TableAccounts)
	c.InvalidateTable(schema.TableAccounts)

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}

func TestInvalidateTableIgnoresOtherTables(t *testing.T) {
	var loads int32
	c := New("c", schema.TableAccounts, func(ctx context.Context) (map[string]int, error) {
		atomic.AddInt32(&loads, 1)
		return map[string]int{"a": 1}, nil
	}, nil)

	ctx := context.Background()
	_, _, err := c.Get(ctx, "a")
	require.NoError(t, err)

	c.InvalidateTable(schema.TablePackages)

	_, _, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestLoadErrorNotCached(t *testing.T) {
	var loads int32
	boom := errors.New("db down")
	c := New("c", schema.TableAccounts, func(ctx context.Context) (map[string]int, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			return nil, boom
		}
		return map[string]int{"a": 1}, nil
	}, nil)

	ctx := context.Background()
	_, _, err := c.Get(ctx, "a")
	require.ErrorIs(t, err, boom)

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestConcurrentAccess(t *testing.T) {
	var loads int32
	c := New("c", schema.TableAccounts, func(ctx context.Context) (map[int]int, error) {
		atomic.AddInt32(&loads, 1)
		m := make(map[int]int)
		for i := 0; i < 100; i++ {
			m[i] = i * i
		}
		return m, nil
	}, nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if i%50 == 49 && g == 0 {
					c.Invalidate()
					continue
				}
				v, ok, err := c.Get(ctx, i%100)
				if assert.NoError(t, err) && assert.True(t, ok) {
					assert.Equal(t, (i%100)*(i%100), v)
				}
			}
		}(g)
	}
	wg.Wait()
}
