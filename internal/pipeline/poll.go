package pipeline

import (
	"context"
	"time"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 60
)

// Poller repeats an attempt every Interval until it reports done, fails, the
// budget runs out or the context is cancelled.
type Poller struct {
	Name        string
	Interval    time.Duration
	MaxAttempts int
	// Wake, when it fires or closes, triggers the next attempt immediately.
	// It is consumed once.
	Wake <-chan struct{}
}

// AttemptFunc runs poll attempt n (1-based). Returning an error stops the
// loop; transient failures should be handled inside and reported as not done.
type AttemptFunc func(ctx context.Context, n int) (done bool, err error)

// Run returns the number of attempts made. Exhausting the budget yields a
// *PollTimeoutError.
func (p Poller) Run(ctx context.Context, attempt AttemptFunc) (int, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	wake := p.Wake

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for n := 1; n <= maxAttempts; n++ {
		select {
		case <-ctx.Done():
			return n - 1, ctx.Err()
		case <-timer.C:
		case <-wake:
			wake = nil
			if !timer.Stop() {
				<-timer.C
			}
		}

		done, err := attempt(ctx, n)
		if err != nil {
			return n, err
		}
		if done {
			return n, nil
		}
		timer.Reset(interval)
	}
	return maxAttempts, &PollTimeoutError{Step: p.Name, Attempts: maxAttempts, Interval: interval}
}
