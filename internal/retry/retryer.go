package retry

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Retryer runs operations with in-process retries and exponential backoff.
// Operations that exhaust their retries are handed to the buffer for later
// replay, unless the failure is a validation error.
type Retryer struct {
	maxAttempts int
	backoff     Backoff
	buffer      *Buffer
	clock       Clock
	logger      *zap.Logger
}

// NewRetryer creates a retryer. buffer may be nil, in which case exhausted
// operations are not replayed later. clock may be nil for the wall clock.
func NewRetryer(maxAttempts int, backoff Backoff, buffer *Buffer, clock Clock, logger *zap.Logger) *Retryer {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{
		maxAttempts: maxAttempts,
		backoff:     backoff,
		buffer:      buffer,
		clock:       clock,
		logger:      logger,
	}
}

// Do runs fn with up to maxAttempts in-process attempts. Validation errors
// and context cancellation abort immediately. The returned error wraps the
// last failure.
func (r *Retryer) Do(ctx context.Context, label string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-r.clock.After(r.backoff.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := Classify(err)
		if !kind.Retryable() {
			return fmt.Errorf("%s: %w", label, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("operation failed, will retry",
			zap.String("op", label),
			zap.Int("attempt", attempt+1),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
	return fmt.Errorf("%s failed after %d attempts: %w", label, r.maxAttempts, lastErr)
}

// Handle runs fn with in-process retries and, if those are exhausted on a
// retryable failure, buffers the operation for later replay. The returned
// error reflects the in-process outcome; a buffered operation still returns
// the failure so callers can log it.
func (r *Retryer) Handle(ctx context.Context, label string, priority Priority, fn func(context.Context) error) error {
	err := r.Do(ctx, label, fn)
	if err == nil {
		return nil
	}
	if r.buffer != nil && Classify(err).Retryable() {
		r.buffer.Enqueue(label, priority, err, fn)
	}
	return err
}

// BufferOp enqueues fn for later replay without running it first. It exists
// for callers whose retried closure captures a point-in-time snapshot:
// replaying that snapshot could overwrite newer state, so they buffer an
// operation that recomputes its input instead. Validation failures are not
// buffered. Returns false if nothing was enqueued.
func (r *Retryer) BufferOp(label string, priority Priority, lastErr error, fn func(context.Context) error) bool {
	if r.buffer == nil || !Classify(lastErr).Retryable() {
		return false
	}
	return r.buffer.Enqueue(label, priority, lastErr, fn)
}
