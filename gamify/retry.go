package gamify

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

const recordMaxRetries = 3

// Retrying wraps a Sink with exponential-backoff retries so a transient
// Postgres hiccup does not swallow a moderation event.
type Retrying struct {
	delegate   Sink
	newBackOff func() backoff.BackOff
}

func NewRetrying(delegate Sink) *Retrying {
	return &Retrying{
		delegate:   delegate,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

func (r *Retrying) RecordModerationEvent(ctx context.Context, ev Event) error {
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), recordMaxRetries), ctx)
	return backoff.Retry(func() error {
		return r.delegate.RecordModerationEvent(ctx, ev)
	}, b)
}
