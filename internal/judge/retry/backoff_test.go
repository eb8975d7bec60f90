package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"judgecore/internal/judge/retry"
)

func TestCompute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{name: "disabled", attempt: 3, base: 0, max: time.Second, want: 0},
		{name: "first attempt", attempt: 1, base: 100 * time.Millisecond, max: time.Second, want: 100 * time.Millisecond},
		{name: "zero attempt", attempt: 0, base: 100 * time.Millisecond, max: time.Second, want: 100 * time.Millisecond},
		{name: "doubling", attempt: 3, base: 100 * time.Millisecond, max: time.Second, want: 400 * time.Millisecond},
		{name: "capped", attempt: 10, base: 100 * time.Millisecond, max: time.Second, want: time.Second},
		{name: "base above max", attempt: 1, base: 2 * time.Second, max: time.Second, want: time.Second},
		{name: "no max", attempt: 4, base: time.Millisecond, max: 0, want: 8 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := retry.Compute(tt.attempt, tt.base, tt.max); got != tt.want {
				t.Fatalf("Compute(%d, %v, %v) = %v, want %v", tt.attempt, tt.base, tt.max, got, tt.want)
			}
		})
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	attempts, err := retry.Do(context.Background(), retry.Policy{Retries: 3, BaseDelay: time.Millisecond}, nil, func(int) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	boom := errors.New("sandbox down")
	attempts, err := retry.Do(context.Background(), retry.Policy{Retries: 2, BaseDelay: time.Millisecond}, nil, func(int) error { return boom })
	if !errors.Is(err, boom) || attempts != 3 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestDoSkipsNonRetryable(t *testing.T) {
	fatal := errors.New("bad request")
	attempts, err := retry.Do(context.Background(), retry.Policy{Retries: 5, BaseDelay: time.Millisecond},
		func(err error) bool { return !errors.Is(err, fatal) },
		func(int) error { return fatal })
	if attempts != 1 || !errors.Is(err, fatal) {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestDoHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := retry.Do(ctx, retry.Policy{Retries: 5, BaseDelay: time.Hour}, nil, func(int) error { return errors.New("x") })
	if attempts != 1 || err == nil {
		t.Fatalf("cancelled loop should stop after first attempt, got %d", attempts)
	}
}
