package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Category: ErrCatValidation,
		Code:     "CODE",
		Message:  "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatValidation, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := &DomainError{Category: ErrCatExecution, Code: "X", Message: "msg"}
	err.WithDetail("k", "v")
	if err.Details == nil || err.Details["k"] != "v" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrLock_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("claiming: %w", ErrLock(42))
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected wrapped lock error to match ErrLocked")
	}
	if !IsLockError(err) {
		t.Fatalf("expected IsLockError to be true")
	}
	if !IsRetryable(err) {
		t.Fatalf("lock contention should be retryable")
	}
}

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"not found", ErrNotFound("node", "1"), IsNotFound},
		{"unsupported", ErrUnsupportedFeature("checkpoint tags"), IsUnsupported},
		{"configuration", ErrConfiguration(CodeUnsupportedEngine, "bad"), IsConfigurationError},
		{"lock", ErrLock(1), IsLockError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.pred(tt.err) {
				t.Errorf("predicate false for %v", tt.err)
			}
			if tt.pred(errors.New("plain")) {
				t.Errorf("predicate true for plain error")
			}
		})
	}
}

func TestErrUnsupportedFeature_NotRetryable(t *testing.T) {
	err := ErrUnsupportedFeature("checkpoint tags")
	if err.Retryable {
		t.Fatalf("unsupported feature must not be retryable")
	}
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected match on ErrUnsupported")
	}
}

func TestGetCategory_PlainError(t *testing.T) {
	if got := GetCategory(errors.New("x")); got != ErrCatInternal {
		t.Fatalf("GetCategory() = %s, want internal", got)
	}
}

func TestProcessStatus_IsTerminal(t *testing.T) {
	terminal := []ProcessStatus{StatusFinished, StatusFailed, StatusExcepted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ProcessStatus{StatusCreated, StatusRunning, StatusWaiting} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
