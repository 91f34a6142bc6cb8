package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultAttempts bounds a command/response retry loop. Instruments on a
// shared or noisy line drop the occasional frame; more than a handful of
// consecutive failures means the device is gone, not unlucky.
const DefaultAttempts = 5

// ErrRetriesExhausted wraps the final failure after all attempts are spent.
var ErrRetriesExhausted = errors.New("device: retries exhausted")

// Retry runs op up to attempts times, stopping at the first success or
// context cancellation. Intermediate failures are logged at debug level.
func Retry(ctx context.Context, log zerolog.Logger, attempts int, op func() error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var last error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op()
		if last == nil {
			return nil
		}
		log.Debug().Err(last).Int("attempt", i).Int("of", attempts).Msg("retrying")
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, last)
}
