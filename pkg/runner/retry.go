package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Outcome is a classifier's verdict on a single invocation.
type Outcome string

const (
	// OutcomeSuccess ends the retry loop with the attempt's output.
	OutcomeSuccess Outcome = "success"

	// OutcomeTransient makes the policy retry after a backoff delay.
	OutcomeTransient Outcome = "transient"

	// OutcomePermanent surfaces the attempt immediately, no further retries.
	OutcomePermanent Outcome = "permanent"
)

// Classifier labels the result of one invocation. It sees the output (which
// may be nil on spawn failure) and the invocation error (nil on a clean run,
// including nonzero exits).
type Classifier func(out *Output, err error) Outcome

// DefaultClassifier treats timeouts and spawn failures as transient and any
// nonzero exit as permanent.
func DefaultClassifier(out *Output, err error) Outcome {
	if err != nil {
		return OutcomeTransient
	}
	if out.ExitCode != 0 {
		return OutcomePermanent
	}
	return OutcomeSuccess
}

// Operation is one retryable invocation.
type Operation func(ctx context.Context) (*Output, error)

// Policy retries transient failures of a single operation with exponential
// backoff. Permanent classifications and the final exhausted attempt surface
// unmodified. Cancellation interrupts the wait between attempts.
type Policy struct {
	// MaxAttempts is the total invocation budget, first attempt included.
	MaxAttempts int

	// BaseDelay is the initial backoff delay; it doubles each attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultPolicy returns the standard policy: 3 attempts, 500ms base, 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Attempts is how many invocations were actually made by Execute, along with
// the last classification.
type Attempts struct {
	Count   int
	Outcome Outcome
}

// Execute runs op until it succeeds, fails permanently, retries are
// exhausted, or ctx is cancelled. onRetry, if non-nil, is called before each
// re-invocation with the just-failed attempt number (1-based). The returned
// Output is always the last attempt's output, also on failure, so callers can
// record diagnostics.
func (p Policy) Execute(ctx context.Context, op Operation, classify Classifier, onRetry func(attempt int)) (*Output, Attempts, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy().BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy().MaxDelay
	}
	if classify == nil {
		classify = DefaultClassifier
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = 2.0
	bo.MaxElapsedTime = 0 // attempts, not wall time, bound the loop

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)),
		ctx,
	)

	var (
		lastOut *Output
		state   Attempts
	)

	retryErr := backoff.Retry(func() error {
		state.Count++
		out, err := op(ctx)
		lastOut = out

		state.Outcome = classify(out, err)
		switch state.Outcome {
		case OutcomeSuccess:
			return nil
		case OutcomePermanent:
			return backoff.Permanent(attemptError(out, err))
		default:
			if onRetry != nil && state.Count < p.MaxAttempts {
				onRetry(state.Count)
			}
			return attemptError(out, err)
		}
	}, policy)

	return lastOut, state, retryErr
}

// attemptError normalizes a failed attempt into a non-nil error, also when
// the failure is only visible through the exit code.
func attemptError(out *Output, err error) error {
	if err != nil {
		return err
	}
	if out != nil && out.ExitCode != 0 {
		return fmt.Errorf("exit code %d", out.ExitCode)
	}
	return fmt.Errorf("operation failed")
}
