package driver

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source used for the fixed delays of a run.
// github.com/benbjohnson/clock's Clock satisfies it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

func systemClock() Clock {
	return clock.New()
}

// sleep waits for d on c, returning early with ctx's error if it is done.
func sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
