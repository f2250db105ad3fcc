package acquirer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingFactory struct {
	created int
}

func (f *countingFactory) Create() (Browser, error) {
	f.created++
	return NewFakeBrowser(), nil
}

func TestBrowserPool_AcquireCreatesUpToMaxSize(t *testing.T) {
	factory := &countingFactory{}
	pool, err := NewBrowserPool(factory, BrowserPoolConfig{MaxSize: 2}, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	b1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, b1, b2)
	assert.Equal(t, 2, factory.created)

	idle, active, total := pool.Stats()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 2, active)
	assert.Equal(t, 2, total)
}

func TestBrowserPool_ReleaseReturnsToPool(t *testing.T) {
	factory := &countingFactory{}
	pool, err := NewBrowserPool(factory, BrowserPoolConfig{MaxSize: 1}, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	b1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(b1)

	idle, active, _ := pool.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, active)

	b2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, factory.created) // reused, not recreated
}

func TestBrowserPool_AcquireBlocksUntilRelease(t *testing.T) {
	factory := &countingFactory{}
	pool, err := NewBrowserPool(factory, BrowserPoolConfig{MaxSize: 1}, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	b1, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan Browser, 1)
	go func() {
		b, _ := pool.Acquire(context.Background())
		done <- b
	}()

	pool.Release(b1)
	select {
	case b2 := <-done:
		assert.Same(t, b1, b2)
	case <-context.Background().Done():
		t.Fatal("did not receive browser")
	}
}

func TestBrowserPool_AcquireRespectsContextCancellation(t *testing.T) {
	factory := &countingFactory{}
	pool, err := NewBrowserPool(factory, BrowserPoolConfig{MaxSize: 1}, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	require.Error(t, err)
}

func TestBrowserPool_CloseClosesAllBrowsers(t *testing.T) {
	factory := &countingFactory{}
	pool, err := NewBrowserPool(factory, BrowserPoolConfig{MaxSize: 2, MinIdle: 1}, zap.NewNop())
	require.NoError(t, err)

	active, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Close())

	fb := active.(*FakeBrowser)
	assert.True(t, fb.Closed)

	_, err = pool.Acquire(context.Background())
	require.Error(t, err)
}
