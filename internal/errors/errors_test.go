package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeAcrossChain(t *testing.T) {
	base := Wrap(CodeOracleUnavailable, context.DeadlineExceeded, "risk oracle call failed")
	wrapped := fmt.Errorf("cycle failed: %w", base)

	if got := CodeOf(wrapped); got != CodeOracleUnavailable {
		t.Fatalf("unexpected code: %s", got)
	}
	if !HasCode(wrapped, CodeOracleUnavailable) {
		t.Fatalf("expected HasCode to match")
	}
	if HasCode(wrapped, CodePolicyRejection) {
		t.Fatalf("unexpected match for policy rejection")
	}
	if !stdErrors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be reachable")
	}
	if !RetryableError(wrapped) {
		t.Fatalf("oracle unavailability should be retryable")
	}
}

func TestDefaultsFollowRegistry(t *testing.T) {
	err := New(CodePolicyRejection, "")
	if err.Message() != "proposal rejected by policy" {
		t.Fatalf("unexpected default message: %q", err.Message())
	}
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("policy rejection must be neither retryable nor alerting")
	}

	overridden := New(CodePolicyRejection, "x", WithAlert(true), WithSeverity(SeverityCritical))
	if !overridden.ShouldAlert() || overridden.Severity() != SeverityCritical {
		t.Fatalf("options should override registry defaults")
	}
}

func TestErrorStringIncludesSortedMetadata(t *testing.T) {
	err := New(CodePolicyRejection, "rejected", WithMetadata("stage", "policy"), WithMetadata("count", "2"))
	want := "[POLICY_REJECTION] rejected (count=2, stage=policy)"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	if attr.Severity != SeverityCritical || !attr.Alert {
		t.Fatalf("unexpected fallback attributes: %+v", attr)
	}
}
