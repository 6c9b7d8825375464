package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestBoundedNeverExceedsWorkers(t *testing.T) {
	ctx := context.Background()
	q := New("test", 3)
	defer q.Stop()

	var (
		running atomic.Int64
		peak    atomic.Int64
		ran     atomic.Int64
	)
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Submit(ctx, func(ctx context.Context) error {
			n := running.Inc()
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Dec()
			ran.Inc()
			return nil
		}))
	}

	require.NoError(t, q.Drain(ctx))
	assert.EqualValues(t, 50, ran.Load())
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.EqualValues(t, 50, q.Submitted())
}

func TestBoundedSubmitBlocksAtCapacity(t *testing.T) {
	ctx := context.Background()
	q := New("test", 1)
	defer q.Stop()

	release := make(chan struct{})
	require.NoError(t, q.Submit(ctx, func(ctx context.Context) error {
		<-release
		return nil
	}))

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Submit(blocked, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.Drain(ctx))
}

func TestBoundedTaskFailureDoesNotStopSiblings(t *testing.T) {
	ctx := context.Background()
	q := New("test", 4, WithBacklog(4))
	defer q.Stop()

	var ok atomic.Int64
	for i := 0; i < 8; i++ {
		require.NoError(t, q.Submit(ctx, func(ctx context.Context) error {
			// batch-local failures are handled inside the task
			ok.Inc()
			return nil
		}))
	}
	require.NoError(t, q.Drain(ctx))
	assert.EqualValues(t, 8, ok.Load())
	assert.NoError(t, q.Err())
}

func TestBoundedFatalErrorSkipsPendingWork(t *testing.T) {
	ctx := context.Background()
	q := New("test", 1, WithBacklog(10))
	defer q.Stop()

	boom := errors.New("store unavailable")
	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, q.Submit(ctx, func(ctx context.Context) error {
		close(started)
		<-release
		return boom
	}))
	<-started

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Submit(ctx, func(ctx context.Context) error {
			ran.Inc()
			return nil
		}))
	}
	close(release)

	err := q.Drain(ctx)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, ran.Load())
	assert.EqualValues(t, 5, q.Skipped())

	err = q.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, boom)
}

func TestBoundedFailKeepsFirstError(t *testing.T) {
	q := New("test", 1)
	defer q.Stop()

	first := errors.New("first")
	q.Fail(first)
	q.Fail(errors.New("second"))
	q.Fail(nil)
	assert.Equal(t, first, q.Err())
}

func TestBoundedDrainIsReusable(t *testing.T) {
	ctx := context.Background()
	q := New("test", 2)
	defer q.Stop()

	var mu sync.Mutex
	var order []string
	record := func(s string) Task {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, q.Submit(ctx, record("import")))
	require.NoError(t, q.Drain(ctx))
	require.NoError(t, q.Submit(ctx, record("resolve")))
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, []string{"import", "resolve"}, order)
}
