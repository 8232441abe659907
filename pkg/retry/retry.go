// Package retry provides a bounded exponential-backoff retry loop. Within
// the ingestion core its caller is the router client's reconnect path.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy configures a bounded exponential-backoff retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Do runs fn up to MaxAttempts times, doubling the delay between attempts
// starting from BaseDelay and capping at MaxDelay. It returns nil on the
// first success, ctx.Err() if ctx is cancelled while waiting, or a
// wrapped error naming the last failure once attempts are exhausted.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := p.BaseDelay
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}
