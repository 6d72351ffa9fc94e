// Package errors tests for error codes and failure classification.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

// TestAppError_Error verifies message formatting with and without a cause.
func TestAppError_Error(t *testing.T) {
	err := New(ErrInvalid, "bad payload")
	if got := err.Error(); got != "[INVALID_INPUT] bad payload" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(ErrDatabase, "insert failed", fmt.Errorf("disk full"))
	if !strings.Contains(wrapped.Error(), "disk full") {
		t.Errorf("Error() = %q, want cause included", wrapped.Error())
	}
	if wrapped.Unwrap() == nil {
		t.Error("Unwrap() returned nil")
	}
}

// TestIs verifies code matching through wrapping.
func TestIs(t *testing.T) {
	inner := New(ErrQuotaExceeded, "daily limit reached")
	outer := fmt.Errorf("generate: %w", inner)

	if !Is(outer, ErrQuotaExceeded) {
		t.Error("Is() should see a wrapped AppError")
	}
	if Is(outer, ErrInternal) {
		t.Error("Is() matched the wrong code")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("Is() matched a plain error")
	}

	chained := Wrap(ErrSyncFailed, "drain", Wrap(ErrConnectivity, "dial", nil))
	if !Is(chained, ErrConnectivity) {
		t.Error("Is() should walk nested AppErrors")
	}
}

// TestCodeOf verifies the default code for foreign errors.
func TestCodeOf(t *testing.T) {
	if CodeOf(errors.New("x")) != ErrInternal {
		t.Error("CodeOf(plain) should be ErrInternal")
	}
	if CodeOf(New(ErrNotEntitled, "x")) != ErrNotEntitled {
		t.Error("CodeOf() lost the code")
	}
}

// TestKindOf verifies failure classification.
func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"offline", New(ErrOffline, "offline"), KindConnectivity},
		{"deadline", context.DeadlineExceeded, KindConnectivity},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindConnectivity},
		{"validation", New(ErrValidation, "bad"), KindValidation},
		{"rejected", New(ErrRemoteRejected, "409"), KindValidation},
		{"transition", New(ErrInvalidTransition, "blocked"), KindValidation},
		{"provider", New(ErrProviderFailed, "500"), KindProvider},
		{"quota", New(ErrQuotaExceeded, "limit"), KindQuota},
		{"wrapped connectivity", Wrap(ErrSyncFailed, "drain", context.DeadlineExceeded), KindConnectivity},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestIsRetryable verifies only connectivity failures are retryable.
func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(ErrConnectivity, "reset")) {
		t.Error("connectivity failure should be retryable")
	}
	if IsRetryable(New(ErrValidation, "bad")) {
		t.Error("validation failure should not be retryable")
	}
}
