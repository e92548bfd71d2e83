// Package retry implements exponential-backoff retry for operations that
// can fail transiently, such as binding a forwarded-port listener. It is
// generalized from restic's backend_retry.go, which wraps the same
// cenkalti/backoff/v4 machinery around the restic.Backend interface; here
// it wraps a plain func() error since there is no shared interface to
// retry against in this module.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sshcore/sshcore/internal/debug"
)

// Operation is a unit of work that may fail transiently.
type Operation func() error

// IsPermanent, when non-nil, reports whether an error should stop retries
// immediately rather than being retried.
type IsPermanent func(error) bool

// Options configures a retried Do call.
type Options struct {
	// MaxElapsedTime bounds the total time spent retrying. Zero means no
	// bound (retry forever, governed only by ctx).
	MaxElapsedTime time.Duration
	// Report, if set, is called before each backoff sleep, and once more
	// with a wait of -1 when Do gives up with an error.
	Report func(err error, wait time.Duration)
	// Success, if set, is called once an operation succeeds after one or
	// more failures, with the number of failed attempts that preceded it.
	Success func(retries int)
	// Permanent classifies an error as non-retryable.
	Permanent IsPermanent

	fastForTests bool
}

// Do runs op, retrying with exponential backoff on error until it
// succeeds, ctx is done, opts.MaxElapsedTime elapses, or op returns a
// permanent error per opts.Permanent.
func Do(ctx context.Context, desc string, opts Options, op Operation) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = opts.MaxElapsedTime
	if opts.fastForTests {
		bo.InitialInterval = time.Millisecond
		if bo.MaxElapsedTime == 0 || bo.MaxElapsedTime > 200*time.Millisecond {
			bo.MaxElapsedTime = 200 * time.Millisecond
		}
	}

	var b backoff.BackOff = withRetryAtLeastOnce(bo)

	wrapped := func() error {
		err := op()
		if err != nil && opts.Permanent != nil && opts.Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	retries := 0
	notify := func(err error, d time.Duration) {
		retries++
		debug.Log("%s failed: %v, retrying in %v", desc, err, d)
		if opts.Report != nil {
			opts.Report(err, d)
		}
	}

	err := backoff.RetryNotify(wrapped, backoff.WithContext(b, ctx), notify)
	if err != nil && ctx.Err() == nil {
		notify(err, -1)
		return err
	}

	if err == nil && retries > 0 && opts.Success != nil {
		opts.Success(retries)
	}

	return err
}

// withRetryAtLeastOnce forces at least one retry interval even if the
// exponential backoff's max elapsed time has already passed by the time
// the first attempt fails — matching the at-least-once guarantee restic's
// retry backend gives callers.
func withRetryAtLeastOnce(delegate *backoff.ExponentialBackOff) backoff.BackOff {
	return &retryAtLeastOnce{delegate: delegate}
}

type retryAtLeastOnce struct {
	delegate *backoff.ExponentialBackOff
	numTries uint64
}

func (b *retryAtLeastOnce) NextBackOff() time.Duration {
	delay := b.delegate.NextBackOff()

	b.numTries++
	if b.numTries == 1 && delay == backoff.Stop {
		return b.delegate.InitialInterval
	}
	return delay
}

func (b *retryAtLeastOnce) Reset() {
	b.numTries = 0
	b.delegate.Reset()
}
