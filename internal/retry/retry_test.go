package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"eigenl2/offchain/internal/apperrors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.Transient("rpc", errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return apperrors.Revert("rpc", errors.New("execution reverted"))
	})
	if !apperrors.Is(err, apperrors.KindRevert) {
		t.Fatalf("expected revert error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	var waits int
	err := fastPolicy(3).DoNotify(context.Background(), func(ctx context.Context) error {
		calls++
		return apperrors.Transient("rpc", errors.New("unreachable"))
	}, func(err error, wait time.Duration) {
		waits++
	})
	if !apperrors.IsRetryable(err) {
		t.Fatalf("expected last transient error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if waits != 2 {
		t.Errorf("expected 2 notifications, got %d", waits)
	}
}

func TestDo_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastPolicy(10).Do(ctx, func(ctx context.Context) error {
		return apperrors.Transient("rpc", errors.New("unreachable"))
	})
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}
