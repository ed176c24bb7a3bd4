package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noop(context.Context) error { return nil }

func TestWorkerPool_RunsAndCounts(t *testing.T) {
	pool := NewWorkerPool(4, discardLogger())
	defer pool.Shutdown()
	ctx := context.Background()

	var ran atomic.Int64
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(ctx, fmt.Sprintf("ok-%d", i), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(ctx, fmt.Sprintf("bad-%d", i), func(context.Context) error {
			return errors.New("agent unavailable")
		}))
	}
	pool.Wait()

	assert.EqualValues(t, 3, ran.Load())
	assert.Equal(t, PoolMetrics{Completed: 3, Failed: 2}, pool.Metrics())
}

func TestWorkerPool_BoundsConcurrentRuns(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size, discardLogger())
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for i := 0; i < 12; i++ {
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("run-%d", i), func(context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Positive(t, peak.Load())
}

func TestWorkerPool_SubmitBlocksWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, discardLogger())
	defer pool.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "holder", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	submitted := make(chan error, 1)
	go func() { submitted <- pool.Submit(context.Background(), "waiter", noop) }()

	select {
	case <-submitted:
		t.Fatal("submit returned while the only slot was held")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-submitted:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit stayed blocked after the slot was freed")
	}
	pool.Wait()
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	pool := NewWorkerPool(1, discardLogger())
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "holder", func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "waiter", noop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestWorkerPool_RecoversPanickingRun(t *testing.T) {
	pool := NewWorkerPool(2, discardLogger())
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "boom", func(context.Context) error {
		panic("nil map write")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 1, m.Failed)
	assert.Empty(t, pool.InFlight())

	require.NoError(t, pool.Submit(context.Background(), "after", noop))
	pool.Wait()
	assert.EqualValues(t, 1, pool.Metrics().Completed)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2, discardLogger())

	var done atomic.Int64
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("run-%d", i), func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
			return nil
		}))
	}

	pool.Shutdown()
	assert.EqualValues(t, 4, done.Load(), "shutdown waits for active runs")

	assert.ErrorIs(t, pool.Submit(context.Background(), "late", noop), ErrPoolShutdown)
	assert.NotPanics(t, pool.Shutdown)
}

func TestWorkerPool_InFlight(t *testing.T) {
	pool := NewWorkerPool(2, discardLogger())
	defer pool.Shutdown()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for _, id := range []string{"run-b", "run-a"} {
		require.NoError(t, pool.Submit(context.Background(), id, func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}))
	}
	<-started
	<-started

	assert.Equal(t, []string{"run-a", "run-b"}, pool.InFlight())

	close(release)
	pool.Wait()
	assert.Empty(t, pool.InFlight())
}
