// Package retry implements the migration's error recovery policy:
// exponential backoff for transient failures, immediate propagation for
// fatal ones, and a cross-operation failure budget that deliberately
// halts the run before errors snowball.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/storage"
)

// Class categorizes an error for recovery purposes.
type Class int

const (
	// ClassTransient errors (network, timeout, contention) are retried.
	ClassTransient Class = iota
	// ClassFatal errors (not-found, permission, invalid input) never retry.
	ClassFatal
	// ClassIntegrity errors mean expected state does not match actual
	// state; they are routed to recovery logic, not retried blindly.
	ClassIntegrity
	// ClassThreshold marks the deliberate halt when the failure budget
	// is exhausted.
	ClassThreshold
)

// String returns the class name used in logs and metrics labels.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassIntegrity:
		return "integrity"
	case ClassThreshold:
		return "threshold"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	ErrBudgetExhausted = errors.New("failure budget exhausted")
	ErrMissingState    = errors.New("expected state missing")
)

// Classify maps an error to its recovery class.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		return ClassThreshold
	case errors.Is(err, ErrMissingState),
		errors.Is(err, storage.ErrFileNotFound):
		// A missing file is an integrity problem for the matcher, not a
		// reason to abort the phase.
		return ClassIntegrity
	case errors.Is(err, asset.ErrNotFound),
		errors.Is(err, asset.ErrUpdateRejected),
		errors.Is(err, storage.ErrInvalidPath),
		errors.Is(err, storage.ErrPermissionDeny),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassFatal
	default:
		return ClassTransient
	}
}

// Budget counts failures across operations. Exceeding the limit turns
// every subsequent Do call into a Threshold-class halt.
type Budget struct {
	limit    int64
	failures atomic.Int64
}

// NewBudget creates a budget allowing limit failures; limit <= 0 means
// unlimited.
func NewBudget(limit int) *Budget {
	return &Budget{limit: int64(limit)}
}

// Record adds a failure and reports whether the budget is now exhausted.
func (b *Budget) Record() bool {
	n := b.failures.Add(1)
	return b.limit > 0 && n > b.limit
}

// Exhausted reports whether the budget has been exceeded.
func (b *Budget) Exhausted() bool {
	return b.limit > 0 && b.failures.Load() > b.limit
}

// Failures returns the running failure count.
func (b *Budget) Failures() int {
	return int(b.failures.Load())
}

// Retryer runs operations with bounded exponential backoff.
type Retryer struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Budget      *Budget
	Logger      zerolog.Logger
}

// New creates a Retryer with the given bounds and shared failure budget.
func New(maxAttempts int, base time.Duration, budget *Budget, logger zerolog.Logger) *Retryer {
	return &Retryer{
		MaxAttempts: maxAttempts,
		BaseBackoff: base,
		MaxBackoff:  30 * time.Second,
		Budget:      budget,
		Logger:      logger.With().Str("component", "retry").Logger(),
	}
}

// Do runs fn, retrying transient failures with base×2^attempt backoff.
// Fatal and integrity errors propagate immediately. When attempts are
// exhausted the final error is wrapped with the attempt count and charged
// against the budget; an exhausted budget surfaces as ErrBudgetExhausted.
func (r *Retryer) Do(ctx context.Context, opID string, fn func() error) error {
	if r.Budget != nil && r.Budget.Exhausted() {
		return fmt.Errorf("%s: %w", opID, ErrBudgetExhausted)
	}

	var lastErr error
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.BaseBackoff << (attempt - 1)
			if r.MaxBackoff > 0 && backoff > r.MaxBackoff {
				backoff = r.MaxBackoff
			}
			r.Logger.Debug().
				Str("op", opID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying operation")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		switch Classify(lastErr) {
		case ClassFatal, ClassIntegrity, ClassThreshold:
			return lastErr
		}
	}

	if r.Budget != nil && r.Budget.Record() {
		r.Logger.Error().
			Str("op", opID).
			Int("failures", r.Budget.Failures()).
			Msg("failure budget exhausted, halting")
		return fmt.Errorf("%s after %d attempts: %v: %w",
			opID, r.MaxAttempts, lastErr, ErrBudgetExhausted)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", opID, r.MaxAttempts, lastErr)
}
