package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
)

// RetryPolicy bounds retries of throttled calls.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

// DefaultRetryPolicy retries 5 times from 500ms doubling up to 8s, with up to
// 250ms of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		MaxJitter:  250 * time.Millisecond,
	}
}

// Retrier re-runs throttled calls with exponential backoff. Other errors are
// returned immediately.
type Retrier struct {
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewRetrier creates a Retrier for policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{
		policy: policy,
		sleep:  sleepContext,
		jitter: randomJitter,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

// Policy returns the retry policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Backoff returns the delay before retry number retry (0-based). A positive
// server hint replaces the exponential delay.
func (r *Retrier) Backoff(retry int, hint time.Duration) time.Duration {
	d := hint
	if d <= 0 {
		d = r.policy.BaseDelay
		for i := 0; i < retry && d < r.policy.MaxDelay; i++ {
			d *= 2
		}
		if d > r.policy.MaxDelay {
			d = r.policy.MaxDelay
		}
	}
	return d + r.jitter(r.policy.MaxJitter)
}

// Do runs attempt until it succeeds, fails with a non-throttle error, or
// exhausts the policy, in which case it returns *errs.RateLimitedError.
func (r *Retrier) Do(ctx context.Context, label string, attempt func(ctx context.Context) error) error {
	logger := contextutil.LoggerFromContext(ctx)

	for try := 0; ; try++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		te, ok := errs.IsThrottle(err)
		if !ok {
			return err
		}
		if try >= r.policy.MaxRetries {
			logger.ErrorContext(ctx, "retries exhausted on throttled call", "label", label, "attempts", try+1, "error", err)
			return &errs.RateLimitedError{Label: label, Attempts: try + 1, Err: err}
		}

		delay := r.Backoff(try, te.RetryAfter)
		logger.WarnContext(ctx, "call throttled, backing off", "label", label, "retry", try+1, "delay", delay, "retry_after", te.RetryAfter)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}
