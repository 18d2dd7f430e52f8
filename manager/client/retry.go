package client

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelcloud/kestrel/manager/observability"
	"github.com/kestrelcloud/kestrel/manager/transport"
)

// RetryPolicy bounds the caller-side retry of transport failures. Only
// TransportError is retried: a control-plane rejection or a signing failure
// is terminal for the command.
type RetryPolicy struct {
	Attempts int
	BaseWait time.Duration
	MaxWait  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 4,
		BaseWait: 500 * time.Millisecond,
		MaxWait:  8 * time.Second,
	}
}

// Do runs fn with bounded exponential backoff.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	wait := p.BaseWait
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			observability.CommandRetries.Inc()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait *= 2
			if wait > p.MaxWait {
				wait = p.MaxWait
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		var tErr *transport.TransportError
		if !errors.As(err, &tErr) {
			return err
		}
	}
	return err
}
