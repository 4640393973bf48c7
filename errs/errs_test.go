package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFields(t *testing.T) {
	err := New(
		"claim/commit",
		CodeCommitConflict,
		WithHTTP(409),
		WithMessage("cell committed by another wallet"),
		WithField("x", "12"),
		WithField("y", "7"),
		WithRemediation("contact support with the payment signature"),
		WithCause(errors.New("no row returned")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=claim/commit") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=commit_conflict") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, `fields=x="12",y="7"`) {
		t.Fatalf("expected sorted fields in error string: %s", out)
	}
	if !strings.Contains(out, `cause="no row returned"`) {
		t.Fatalf("expected cause in error string: %s", out)
	}
}

func TestNilEnvelopeString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("unexpected nil rendering %q", e.Error())
	}
	if e.Recoverable() {
		t.Fatalf("nil envelope must not be recoverable")
	}
}

func TestCodeOfWrapped(t *testing.T) {
	inner := New("grid/load", CodeNetwork)
	wrapped := fmt.Errorf("load viewport: %w", inner)
	if CodeOf(wrapped) != CodeNetwork {
		t.Fatalf("expected network code, got %s", CodeOf(wrapped))
	}
	if !Has(wrapped, CodeNetwork) {
		t.Fatalf("expected Has to match wrapped code")
	}
	if Has(nil, CodeNetwork) {
		t.Fatalf("nil error must not match")
	}
	if CodeOf(errors.New("plain")) != CodeUnexpected {
		t.Fatalf("plain errors map to unexpected")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("op", nil) != nil {
		t.Fatalf("nil error should normalise to nil")
	}
	if got := Normalize("op", context.Canceled).Code; got != CodeCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if got := Normalize("op", fmt.Errorf("wrap: %w", context.DeadlineExceeded)).Code; got != CodeNetwork {
		t.Fatalf("expected network for deadline, got %s", got)
	}
	orig := New("claim/availability", CodePixelTaken)
	if Normalize("other", orig) != orig {
		t.Fatalf("existing envelope should pass through")
	}
	unknown := Normalize("op", errors.New("boom"))
	if unknown.Code != CodeUnexpected || !errors.Is(unknown, unknown.Unwrap()) {
		t.Fatalf("unexpected normalisation %v", unknown)
	}
}

func TestRecoverable(t *testing.T) {
	for _, code := range []Code{CodePixelTaken, CodeNoFreeCells, CodeCommitConflict} {
		if New("op", code).Recoverable() {
			t.Fatalf("%s should close the flow", code)
		}
	}
	for _, code := range []Code{CodeNetwork, CodeUploadFailed, CodePaymentFailed, CodeInvalid} {
		if !New("op", code).Recoverable() {
			t.Fatalf("%s should offer a retry", code)
		}
	}
}
