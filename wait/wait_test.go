package wait

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRepeatUntilStopsWhenDone(t *testing.T) {
	clk := clock.NewMock()
	var calls atomic.Int64

	errc := make(chan error, 1)
	go func() {
		errc <- RepeatUntilWithClock(context.Background(), clk, time.Minute, func(context.Context) (bool, error) {
			return calls.Inc() == 3, nil
		})
	}()

	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return calls.Load() == 3
	}, 5*time.Second, time.Millisecond)
	assert.NoError(t, <-errc)
}

func TestRepeatUntilReturnsCheckError(t *testing.T) {
	boom := errors.New("boom")
	err := RepeatUntilWithClock(context.Background(), clock.NewMock(), time.Hour, func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRepeatUntilZeroPeriodRunsOnce(t *testing.T) {
	var calls int
	err := RepeatUntil(context.Background(), 0, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRepeatUntilHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- RepeatUntilWithClock(ctx, clock.NewMock(), time.Hour, func(context.Context) (bool, error) {
			return false, nil
		})
	}()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
