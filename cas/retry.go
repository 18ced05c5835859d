package cas

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// A RetryPolicy bounds how storage operations are retried. Transient I/O
// failures are retried with exponential backoff; the delay doubles after
// each attempt up to Ceiling.
type RetryPolicy struct {
	Attempts int           // total tries, including the first
	Initial  time.Duration // delay before the second try
	Ceiling  time.Duration // longest delay between tries
}

// DefaultRetry is used when the configuration leaves the policy empty.
var DefaultRetry = RetryPolicy{
	Attempts: 4,
	Initial:  250 * time.Millisecond,
	Ceiling:  5 * time.Second,
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetry.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetry.Initial
	}
	if p.Ceiling <= 0 {
		p.Ceiling = DefaultRetry.Ceiling
	}
	return p
}

// retry runs f until it succeeds, the attempts are exhausted, or the
// context is canceled. Hash mismatches are never retried since rereading
// the same bytes cannot fix them. The final error is wrapped with the
// operation name so callers see which storage step gave up.
func retry(ctx context.Context, p RetryPolicy, op string, f func() error) error {
	p = p.orDefault()
	delay := p.Initial
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > p.Ceiling {
				delay = p.Ceiling
			}
		}
		err = f()
		if err == nil {
			return nil
		}
		var mismatch HashMismatchError
		if errors.As(err, &mismatch) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Wrapf(err, "storage error in %s after %d attempts", op, p.Attempts)
}
