package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeBudgetExceeded, http.StatusTooManyRequests},
		{CodeToolNotAllowed, http.StatusForbidden},
		{CodeMCPTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "x")
			if got := StatusOf(err); got != tt.status {
				t.Errorf("StatusOf(%s) = %d, want %d", tt.code, got, tt.status)
			}
		})
	}
}

func TestCodeOfWrappedChain(t *testing.T) {
	inner := New(CodeBudgetExceeded, "daily budget exhausted")
	outer := fmt.Errorf("turn failed: %w", inner)

	if got := CodeOf(outer); got != CodeBudgetExceeded {
		t.Errorf("CodeOf = %s, want %s", got, CodeBudgetExceeded)
	}
	if !IsCode(outer, CodeBudgetExceeded) {
		t.Error("IsCode should match through wrapping")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Errorf("CodeOf plain error = %s, want %s", got, CodeInternal)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeProviderError, "stream failed", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

func TestContext(t *testing.T) {
	err := New(CodeToolNotAllowed, "denied").WithContext("tool_id", "db-drop")
	if err.Context["tool_id"] != "db-drop" {
		t.Errorf("context not attached: %v", err.Context)
	}
}
