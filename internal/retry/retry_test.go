package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sshcore/sshcore/internal/errors"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempt := 0
	opts := Options{MaxElapsedTime: time.Second, fastForTests: true}

	var reported []error
	opts.Report = func(err error, d time.Duration) { reported = append(reported, err) }

	successRetries := -1
	opts.Success = func(retries int) { successRetries = retries }

	err := Do(context.Background(), "test op", opts, func() error {
		attempt++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempt)
	}
	if len(reported) != 2 {
		t.Fatalf("expected 2 reported failures, got %d", len(reported))
	}
	if successRetries != 2 {
		t.Fatalf("expected success callback with 2 retries, got %d", successRetries)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	attempt := 0

	opts := Options{
		MaxElapsedTime: time.Second,
		fastForTests:   true,
		Permanent:      func(err error) bool { return err == permanent },
	}

	err := Do(context.Background(), "test op", opts, func() error {
		attempt++
		return permanent
	})

	if err != permanent {
		t.Fatalf("expected permanent error to be returned unwrapped, got %v", err)
	}
	if attempt != 1 {
		t.Fatalf("expected exactly one attempt, got %d", attempt)
	}
}

func TestDoRespectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, "test op", Options{}, func() error {
		called = true
		return nil
	})

	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("operation must not run with an already-canceled context")
	}
}

func TestDoGivesUpAfterMaxElapsedTime(t *testing.T) {
	attempt := 0
	opts := Options{MaxElapsedTime: 10 * time.Millisecond, fastForTests: true}

	start := time.Now()
	err := Do(context.Background(), "test op", opts, func() error {
		attempt++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected an error once MaxElapsedTime elapses")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("retry loop ran too long: %v", time.Since(start))
	}
	if attempt < 1 {
		t.Fatal("operation must run at least once")
	}
}

type testClock struct {
	Time time.Time
}

func (c *testClock) Now() time.Time {
	return c.Time
}

func TestRetryAtLeastOnce(t *testing.T) {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = 500 * time.Millisecond
	expBackOff.RandomizationFactor = 0
	expBackOff.MaxElapsedTime = 5 * time.Second
	expBackOff.Multiplier = 2
	clock := &testClock{Time: time.Now()}
	expBackOff.Clock = clock
	expBackOff.Reset()

	retry := withRetryAtLeastOnce(expBackOff).(*retryAtLeastOnce)

	// expire the delegate backoff
	clock.Time = clock.Time.Add(10 * time.Second)
	delay := retry.NextBackOff()
	if delay != expBackOff.InitialInterval {
		t.Fatalf("must retry at least once: want %v, got %v", expBackOff.InitialInterval, delay)
	}

	delay = retry.NextBackOff()
	if delay != expBackOff.Stop {
		t.Fatalf("must not retry more than once: want %v, got %v", expBackOff.Stop, delay)
	}

	retry.Reset()
	if retry.numTries != 0 {
		t.Fatalf("numTries should be reset to 0, got %d", retry.numTries)
	}

	delay = retry.NextBackOff()
	if delay != expBackOff.InitialInterval {
		t.Fatalf("retries must work after reset: want %v, got %v", expBackOff.InitialInterval, delay)
	}
}
