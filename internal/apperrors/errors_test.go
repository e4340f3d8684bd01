package apperrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("op", "bad %s", "input"), KindValidation},
		{"wrapped transient", fmt.Errorf("outer: %w", Transient("rpc", context.DeadlineExceeded)), KindTransient},
		{"plain error", errors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transient("rpc", errors.New("connection refused"))) {
		t.Error("transient errors should be retryable")
	}
	for _, err := range []error{
		Validation("op", "x"),
		Authorization("op", "x"),
		Integrity("op", "x"),
		NotFound("op", "x"),
		Revert("op", errors.New("execution reverted")),
	} {
		if IsRetryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := Transient("ccip.GetMessageStatus", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Error("expected wrapped context.Canceled to be reachable")
	}
	if err.Error() != "ccip.GetMessageStatus: temporarily unavailable: context canceled" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
