package wait

import (
	"context"
	"time"

	"github.com/raulk/clock"
)

// A CheckFunc returns true when the check has been passed and false if it has not.
type CheckFunc func(context.Context) (bool, error)

// RepeatUntil runs c every period until the context is done, c returns an error or c returns true to indicate completion.
func RepeatUntil(ctx context.Context, period time.Duration, c CheckFunc) error {
	return RepeatUntilWithClock(ctx, clock.New(), period, c)
}

// RepeatUntilWithClock is RepeatUntil measuring the period on clk. A period of zero runs c once.
func RepeatUntilWithClock(ctx context.Context, clk clock.Clock, period time.Duration, c CheckFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		done, err := c(ctx)
		if err != nil {
			return err
		}
		if done || period == 0 {
			return nil
		}

		timer := clk.Timer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
