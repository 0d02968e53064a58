package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/storage"
)

func newRetryer(attempts int, budget *Budget) *Retryer {
	return New(attempts, time.Millisecond, budget, zerolog.Nop())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"network-ish", errors.New("connection reset"), ClassTransient},
		{"wrapped transient", fmt.Errorf("call: %w", errors.New("timeout")), ClassTransient},
		{"asset not found", fmt.Errorf("x: %w", asset.ErrNotFound), ClassFatal},
		{"update rejected", asset.ErrUpdateRejected, ClassFatal},
		{"invalid path", storage.ErrInvalidPath, ClassFatal},
		{"permission", storage.ErrPermissionDeny, ClassFatal},
		{"canceled", context.Canceled, ClassFatal},
		{"file missing", storage.ErrFileNotFound, ClassIntegrity},
		{"missing state", ErrMissingState, ClassIntegrity},
		{"budget", ErrBudgetExhausted, ClassThreshold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	r := newRetryer(5, nil)

	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalPropagatesImmediately(t *testing.T) {
	r := newRetryer(5, nil)

	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		return fmt.Errorf("lookup: %w", asset.ErrNotFound)
	})
	assert.ErrorIs(t, err, asset.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestDo_IntegrityPropagatesImmediately(t *testing.T) {
	r := newRetryer(5, nil)

	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		return fmt.Errorf("verify: %w", storage.ErrFileNotFound)
	})
	assert.ErrorIs(t, err, storage.ErrFileNotFound)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	r := newRetryer(3, nil)

	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		return errors.New("always failing")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	r := New(5, time.Hour, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, "op", func() error { return errors.New("flaky") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBudget_Threshold(t *testing.T) {
	budget := NewBudget(2)
	r := newRetryer(1, budget)
	ctx := context.Background()

	fail := func() error { return errors.New("boom") }

	require.Error(t, r.Do(ctx, "op1", fail))
	assert.False(t, budget.Exhausted())
	require.Error(t, r.Do(ctx, "op2", fail))
	assert.False(t, budget.Exhausted())

	// Third failure crosses the budget
	err := r.Do(ctx, "op3", fail)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.True(t, budget.Exhausted())
	assert.Equal(t, 3, budget.Failures())

	// Every later call halts without running the operation
	calls := 0
	err = r.Do(ctx, "op4", func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Zero(t, calls)
	assert.Equal(t, ClassThreshold, Classify(err))
}

func TestBudget_Unlimited(t *testing.T) {
	budget := NewBudget(0)
	for i := 0; i < 10; i++ {
		budget.Record()
	}
	assert.False(t, budget.Exhausted())
}
