package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"codecompass/internal/errs"
)

func newTestRetrier(policy RetryPolicy) (*Retrier, *[]time.Duration) {
	r := NewRetrier(policy)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	r.jitter = func(time.Duration) time.Duration { return 0 }
	return r, &slept
}

func TestRetrier_Do(t *testing.T) {
	throttle := &errs.ThrottleError{Err: errors.New("429")}
	plain := errors.New("bad request")

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
		wantSleep []time.Duration
	}{
		{
			name:      "success first try",
			wantCalls: 1,
		},
		{
			name:      "non-throttle error is not retried",
			failures:  []error{plain},
			wantCalls: 1,
			wantErr:   plain,
		},
		{
			name:      "throttle then success",
			failures:  []error{throttle, throttle},
			wantCalls: 3,
			wantSleep: []time.Duration{500 * time.Millisecond, time.Second},
		},
		{
			name:      "retry-after hint replaces backoff",
			failures:  []error{&errs.ThrottleError{RetryAfter: 3 * time.Second}},
			wantCalls: 2,
			wantSleep: []time.Duration{3 * time.Second},
		},
		{
			name:      "throttle then plain error stops",
			failures:  []error{throttle, plain},
			wantCalls: 2,
			wantErr:   plain,
			wantSleep: []time.Duration{500 * time.Millisecond},
		},
		{
			name:      "exhausted",
			failures:  []error{throttle, throttle, throttle, throttle, throttle, throttle, throttle},
			wantCalls: 6,
			wantErr:   errs.ErrRateLimited,
			wantSleep: []time.Duration{
				500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, slept := newTestRetrier(DefaultRetryPolicy())
			calls := 0
			err := r.Do(context.Background(), "generate", func(ctx context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			if tt.wantErr == nil && err != nil {
				t.Fatalf("Do() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Do() error = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if len(*slept) != len(tt.wantSleep) {
				t.Fatalf("sleeps = %v, want %v", *slept, tt.wantSleep)
			}
			for i := range tt.wantSleep {
				if (*slept)[i] != tt.wantSleep[i] {
					t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], tt.wantSleep[i])
				}
			}
		})
	}
}

func TestRetrier_ExhaustedError(t *testing.T) {
	r, _ := newTestRetrier(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cause := &errs.ThrottleError{Err: errors.New("slow down")}

	err := r.Do(context.Background(), "embed", func(ctx context.Context) error { return cause })

	var rl *errs.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("Do() error = %v, want *errs.RateLimitedError", err)
	}
	if rl.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", rl.Attempts)
	}
	if rl.Label != "embed" {
		t.Errorf("Label = %q, want embed", rl.Label)
	}
	if !errors.Is(err, cause) {
		t.Error("RateLimitedError does not wrap the last throttle error")
	}
	if !strings.Contains(errs.Message(err), errs.RateLimitGuidance) {
		t.Errorf("Message() = %q, want remediation guidance", errs.Message(err))
	}
}

func TestRetrier_ContextCancelledDuringBackoff(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "gen", func(ctx context.Context) error {
			calls++
			return &errs.ThrottleError{}
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetrier_Backoff(t *testing.T) {
	r := NewRetrier(DefaultRetryPolicy())
	for retry := 0; retry < 8; retry++ {
		d := r.Backoff(retry, 0)
		if d < 500*time.Millisecond || d > 8*time.Second+250*time.Millisecond {
			t.Errorf("Backoff(%d) = %v, out of range", retry, d)
		}
	}
	if d := r.Backoff(7, 0); d < 8*time.Second {
		t.Errorf("Backoff(7) = %v, want capped at 8s plus jitter", d)
	}
	if d := r.Backoff(0, 2*time.Second); d < 2*time.Second || d > 2*time.Second+250*time.Millisecond {
		t.Errorf("Backoff with hint = %v, want 2s plus jitter", d)
	}
}

func TestCall_RetriesThroughQueue(t *testing.T) {
	s := NewWithInterval("call", time.Millisecond)
	defer func() { _ = s.Close() }()
	r, _ := newTestRetrier(DefaultRetryPolicy())

	calls := 0
	got, err := Call(context.Background(), s, r, "embed", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &errs.ThrottleError{}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Call() unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("Call() = %d after %d calls, want 42 after 3", got, calls)
	}
}
