// internal/retry/retry.go

// Package retry executes an arbitrary operation with bounded retries and
// exponential backoff, gated by the error classifier so permanent failures
// abort immediately instead of burning attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-client/internal/recovery"
)

// jitterFraction is the symmetric variance applied to every computed delay,
// spreading simultaneous clients apart so they do not retry in lockstep.
const jitterFraction = 0.25

// ErrRetriesExhausted matches any ExhaustedError via errors.Is.
var ErrRetriesExhausted = errors.New("retry: attempts exhausted")

// ExhaustedError reports that every attempt failed, wrapping the last
// underlying error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// Options configure one Do call.
type Options struct {
	// MaxAttempts is the number of retries after the first attempt.
	MaxAttempts int

	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64 // default 2
	Jitter        bool

	// AttemptTimeout, when set, bounds each attempt with its own deadline.
	// The attempt index is zero-based.
	AttemptTimeout func(attempt int) time.Duration

	// OnTimeout is invoked when an attempt failed specifically because its
	// deadline fired, before retry eligibility is decided.
	OnTimeout func(attempt int)

	// IsRetryable overrides the default classifier gate.
	IsRetryable func(recovery.Classification) bool

	// DelayFor overrides the backoff formula for the sleep before the next
	// attempt. Jitter is still applied on top.
	DelayFor func(attempt int, err error) time.Duration
}

func (o *Options) backoffDelay(attempt int) time.Duration {
	factor := o.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	d := float64(o.BaseDelay) * math.Pow(factor, float64(attempt))
	if o.MaxDelay > 0 && d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// applyJitter spreads d by up to ±25%.
func applyJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := 1 - jitterFraction + rand.Float64()*2*jitterFraction
	return time.Duration(float64(d) * spread)
}

// Do runs op up to MaxAttempts+1 times. A timeout firing on an attempt is a
// first-class failure: it is surfaced through OnTimeout and then classified
// like any other error. Non-retryable failures return immediately with the
// underlying error; exhaustion returns an ExhaustedError wrapping the last
// one.
func Do(ctx context.Context, logger *logrus.Logger, op func(ctx context.Context) error, opts Options) error {
	retryable := opts.IsRetryable
	if retryable == nil {
		retryable = recovery.Retryable
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if opts.AttemptTimeout != nil {
			if d := opts.AttemptTimeout(attempt); d > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, d)
			}
		}

		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		// Distinguish our per-attempt deadline from the caller cancelling the
		// whole orchestration.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			if opts.OnTimeout != nil {
				opts.OnTimeout(attempt)
			}
		} else if ctx.Err() != nil {
			return err
		}

		cls := recovery.Classify(err)
		if !retryable(cls) {
			logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"category": cls.Category,
				"severity": cls.Severity,
			}).Warn("aborting retries on non-retryable failure")
			return err
		}
		if attempt == opts.MaxAttempts {
			break
		}

		var delay time.Duration
		if opts.DelayFor != nil {
			delay = opts.DelayFor(attempt, err)
		} else {
			delay = opts.backoffDelay(attempt)
		}
		if opts.Jitter {
			delay = applyJitter(delay)
		}
		logger.Debugf("attempt %d failed (%v), retrying in %s", attempt+1, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: opts.MaxAttempts + 1, Last: lastErr}
}
