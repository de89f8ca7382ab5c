package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestHasCode_ThroughWrapping(t *testing.T) {
	base := NewOCRFailedError("r1", 2, fmt.Errorf("engine crashed"))
	wrapped := fmt.Errorf("page 3: %w", base)

	if !HasCode(wrapped, ErrorOCRFailed) {
		t.Fatalf("expected wrapped error to carry %s", ErrorOCRFailed)
	}
	if HasCode(wrapped, ErrorMalformedRegion) {
		t.Errorf("did not expect %s", ErrorMalformedRegion)
	}
	if HasCode(nil, ErrorOCRFailed) {
		t.Errorf("nil error must not carry a code")
	}
}

func TestCodeOf_PlainError(t *testing.T) {
	if code := CodeOf(stderrors.New("plain")); code != "" {
		t.Errorf("expected empty code, got %q", code)
	}
}

func TestProcessingError_UnwrapAndMessage(t *testing.T) {
	cause := stderrors.New("dial tcp: timeout")
	err := NewAIServiceFailedError("r9", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
	want := "AI_SERVICE_FAILED: Correction service failed for region \"r9\" (caused by: dial tcp: timeout)"
	if err.Error() != want {
		t.Errorf("unexpected message:\n got %q\nwant %q", err.Error(), want)
	}
}

func TestProcessingError_ToMap(t *testing.T) {
	err := NewProcessingTimeoutError("job-1", 5*time.Minute, stderrors.New("deadline exceeded"))
	m := err.ToMap()

	if m["error_code"] != "PROCESSING_TIMEOUT" {
		t.Errorf("expected error_code PROCESSING_TIMEOUT, got %v", m["error_code"])
	}
	if m["timeout_duration"] != "5m0s" {
		t.Errorf("expected timeout_duration 5m0s, got %v", m["timeout_duration"])
	}
	if m["cause"] != "deadline exceeded" {
		t.Errorf("expected cause to be flattened, got %v", m["cause"])
	}
}
