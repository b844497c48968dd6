package reliability

import (
	"context"
	"fmt"
	"time"
)

// Sender retries a send operation a fixed number of times with a fixed
// delay between attempts. When a Reconnect hook is set it runs before
// every retry, so a dead transport is replaced before the next attempt.
type Sender struct {
	MaxAttempts int
	Backoff     time.Duration
	Reconnect   func(ctx context.Context) error
}

// Send runs fn up to MaxAttempts times. It stops early when the context
// is cancelled and returns the last send error otherwise.
func (s Sender) Send(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.Backoff):
			}
			if s.Reconnect != nil {
				if err := s.Reconnect(ctx); err != nil {
					lastErr = fmt.Errorf("reconnect before retry: %w", err)
					continue
				}
			}
		}

		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("send failed after %d attempts: %w", attempts, lastErr)
}
