package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNotFound(t *testing.T) {
	err := NotFound("agent", "a-1")
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", err.HTTPStatus)
	}
	if !IsNotFound(err) {
		t.Error("expected IsNotFound to be true")
	}
	if err.Error() != "NOT_FOUND: agent with id 'a-1' not found" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestWrapPreservesCode(t *testing.T) {
	base := Conflict("agent already exists")
	wrapped := Wrap(fmt.Errorf("add: %w", base), "registry")

	if wrapped.Code != ErrCodeConflict {
		t.Errorf("expected code %s, got %s", ErrCodeConflict, wrapped.Code)
	}
	if GetHTTPStatus(wrapped) != http.StatusConflict {
		t.Errorf("expected status 409, got %d", GetHTTPStatus(wrapped))
	}
	if !IsConflict(wrapped) {
		t.Error("expected IsConflict to be true")
	}
}

func TestWrapPlainError(t *testing.T) {
	if Wrap(nil, "ignored") != nil {
		t.Error("expected nil for nil error")
	}

	cause := errors.New("disk full")
	wrapped := Wrap(cause, "failed to persist")
	if wrapped.Code != ErrCodeInternalError {
		t.Errorf("expected internal error code, got %s", wrapped.Code)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("expected wrapped error to unwrap to cause")
	}
}

func TestIsBadRequest(t *testing.T) {
	if !IsBadRequest(ValidationError("label", "is required")) {
		t.Error("expected validation error to count as bad request")
	}
	if IsBadRequest(errors.New("plain")) {
		t.Error("expected plain error not to count as bad request")
	}
}

func TestGetHTTPStatusDefault(t *testing.T) {
	if GetHTTPStatus(errors.New("boom")) != http.StatusInternalServerError {
		t.Error("expected 500 for non-AppError")
	}
	if AsAppError(errors.New("boom")).Code != ErrCodeInternalError {
		t.Error("expected AsAppError to wrap as internal")
	}
}
