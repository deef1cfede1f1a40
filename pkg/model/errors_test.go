package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Run 'run_123' not found"}
	want := "NOT_FOUND: Run 'run_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Run", "run_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Run 'run_abc' not found" {
		t.Errorf("Message = %q, want %q", err.Message, "Run 'run_abc' not found")
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid query",
		FieldError{Field: "limit", Message: "expected int"},
		FieldError{Field: "kind", Message: "unknown event kind"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "Run",
		ID:     "run_123",
		From:   "RETURNED",
		To:     "RUNNING",
	}
	want := "invalid Run state transition: RETURNED → RUNNING (entity run_123)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
