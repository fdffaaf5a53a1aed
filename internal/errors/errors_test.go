package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "agent not found")
	other := New(CodeNotFound, "something else")

	wrapped := fmt.Errorf("lookup: %w", other)
	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if stdErrors.Is(wrapped, New(CodeConflict, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestRegisterAndAttributes(t *testing.T) {
	const code Code = "TEST_REJECTED"
	Register(code, Attributes{Message: "rejected", Kind: KindRejected, Severity: SeverityWarning})

	err := New(code, "")
	if err.Message() != "rejected" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if KindOf(err) != KindRejected {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN")
	}
}

func TestOverridesAndReason(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := Wrap(CodeStorageFailure, cause, "persist intent", WithRetryable(false), WithMetadata("table", "intents"))

	if err.Retryable() {
		t.Fatalf("retryable override ignored")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause should be reachable through Unwrap")
	}
	if err.Metadata()["table"] != "intents" {
		t.Fatalf("metadata lost: %+v", err.Metadata())
	}
	if ReasonOf(err) != "persist intent" {
		t.Fatalf("unexpected reason %q", ReasonOf(err))
	}
	if err.Error() != "[STORAGE_FAILURE] persist intent: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
