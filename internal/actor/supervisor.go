package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codefionn/schnellkernel/internal/logger"
)

// ErrPermanent wraps errors that must not trigger a restart.
var ErrPermanent = errors.New("permanent failure")

// SupervisorOptions tune restart behaviour.
type SupervisorOptions struct {
	// InitialInterval is the first restart delay.
	InitialInterval time.Duration
	// MaxInterval caps the restart delay.
	MaxInterval time.Duration
	// MaxRestarts stops supervision after that many restarts (0 = unlimited).
	MaxRestarts int
	// Health receives restart and error counts, may be nil.
	Health *HealthCheckable
	// OnRestart runs before each restart, e.g. to reopen a socket.
	OnRestart func(ctx context.Context, cause error) error
}

// Supervise runs fn until it returns nil, returns an error wrapping
// ErrPermanent, or ctx is done. Any other error (or a panic) is logged and fn
// is started again after an exponential backoff delay.
func Supervise(ctx context.Context, name string, opts SupervisorOptions, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(opts.InitialInterval, 50*time.Millisecond)
	b.MaxInterval = orDefault(opts.MaxInterval, 5*time.Second)
	b.MaxElapsedTime = 0
	b.Reset()

	restarts := 0
	for {
		err := runGuarded(ctx, fn)
		for {
			if err == nil || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrPermanent) {
				return err
			}
			if opts.Health != nil {
				opts.Health.RecordError(err)
			}
			if opts.MaxRestarts > 0 && restarts >= opts.MaxRestarts {
				return fmt.Errorf("%s: giving up after %d restarts: %w", name, restarts, err)
			}

			delay := b.NextBackOff()
			logger.Warn("Supervisor: %s failed (%v), restarting in %s", name, err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}

			restarts++
			if opts.Health != nil {
				opts.Health.RecordRestart()
			}
			if opts.OnRestart == nil {
				break
			}
			if err = opts.OnRestart(ctx, err); err == nil {
				break
			}
			err = fmt.Errorf("restart hook: %w", err)
		}
	}
}

func runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
