package resolution

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/internal/util"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 2

	initialRetryInterval = 100 * time.Millisecond
	maxRetryInterval     = time.Second
)

// retryingResolver bounds each attempt with a timeout and retries transient failures with jittered
// exponential backoff. Not-found and malformed answers are never retried.
type retryingResolver struct {
	next       did.Resolver
	timeout    time.Duration
	maxRetries uint64

	// newBackOff is swapped in tests to avoid sleeping
	newBackOff func() backoff.BackOff
}

var _ did.Resolver = (*retryingResolver)(nil)

func withRetry(next did.Resolver, timeout time.Duration, maxRetries int) *retryingResolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retryingResolver{
		next:       next,
		timeout:    timeout,
		maxRetries: uint64(maxRetries),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initialRetryInterval
			b.MaxInterval = maxRetryInterval
			b.RandomizationFactor = 0.5
			return b
		},
	}
}

func (r *retryingResolver) Resolve(ctx context.Context, id string) (*did.Document, error) {
	attempt := 0
	operation := func() (*did.Document, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		doc, err := r.next.Resolve(attemptCtx, id)
		if err == nil {
			return doc, nil
		}
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		logrus.WithError(err).WithField("attempt", attempt).Warnf("transient failure resolving %s", util.SanitizeLog(id))
		return nil, err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.maxRetries), ctx)
	doc, err := backoff.RetryWithData(operation, b)
	if err != nil {
		return nil, asDependencyError(err)
	}
	return doc, nil
}
