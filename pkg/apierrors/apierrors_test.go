package apierrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidArgument:  400,
		CodeBusy:             429,
		CodeUnavailable:      503,
		CodeNotFound:         404,
		CodeExecutionTimeout: 504,
		Code("UNKNOWN"):      500,
	}

	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s)=%d, want %d", code, got, want)
		}
	}
}

func TestGRPCStatus(t *testing.T) {
	cases := map[Code]codes.Code{
		CodeInvalidArgument: codes.InvalidArgument,
		CodeAuth:            codes.Unauthenticated,
		CodeEnvelope:        codes.FailedPrecondition,
		CodeUnavailable:     codes.Unavailable,
		Code("UNKNOWN"):     codes.Internal,
	}

	for code, want := range cases {
		if got := GRPCStatus(code); got != want {
			t.Fatalf("GRPCStatus(%s)=%s, want %s", code, got, want)
		}
	}
}

func TestRequiresRetryAfter(t *testing.T) {
	if !RequiresRetryAfter(CodeBusy) {
		t.Fatal("Busy should require header")
	}
	if RequiresRetryAfter(CodeInvalidArgument) {
		t.Fatal("InvalidArgument should not require header")
	}
}

func TestErrorRetryAfterHint(t *testing.T) {
	err := New(CodeBusy, "slow down").WithRetryAfter(1500 * time.Millisecond)
	if hint := err.RetryAfterHint(); hint != "2" {
		t.Fatalf("expected retryAfter 2, got %q", hint)
	}
	if err.Error() != "slow down" {
		t.Fatalf("unexpected Error(): %s", err.Error())
	}
	if hint := New(CodeBusy, "").RetryAfterHint(); hint != "" {
		t.Fatalf("expected empty hint, got %q", hint)
	}
}

func TestFromError(t *testing.T) {
	original := New(CodeEnvelope, "tag mismatch")
	wrapped := fmt.Errorf("wrap: %w", original)
	if apiErr, ok := FromError(wrapped); !ok {
		t.Fatal("expected to unwrap api error")
	} else if apiErr.Code != CodeEnvelope {
		t.Fatalf("unexpected code %s", apiErr.Code)
	}
	if _, ok := FromError(fmt.Errorf("other")); ok {
		t.Fatal("should not unwrap plain error")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeDownload, "read ciphertext", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause should be reachable")
	}
	if err.Error() != "read ciphertext: connection reset" {
		t.Fatalf("unexpected Error(): %s", err.Error())
	}
	if !errors.Is(fmt.Errorf("outer: %w", err), New(CodeDownload, "")) {
		t.Fatal("code match should satisfy errors.Is")
	}
	if errors.Is(err, New(CodeIntegrity, "")) {
		t.Fatal("different code must not match")
	}
}

func TestReasonFor(t *testing.T) {
	cases := map[error]Reason{
		New(CodeAuth, ""):                             ReasonAuth,
		New(CodeEnvelope, ""):                         ReasonTamper,
		New(CodeIntegrity, ""):                        ReasonIntegrity,
		New(CodeDownload, ""):                         ReasonDownload,
		New(CodeHandoff, ""):                          ReasonHandoff,
		New(CodeProtocol, ""):                         ReasonProtocol,
		New(CodeExecutionTimeout, ""):                 ReasonTimeout,
		New(CodeAborted, ""):                          ReasonAborted,
		errors.New("boom"):                            ReasonInternal,
		fmt.Errorf("x: %w", New(CodeUnavailable, "")): ReasonAuth,
	}
	for err, want := range cases {
		if got := ReasonFor(err); got != want {
			t.Fatalf("ReasonFor(%v)=%s, want %s", err, got, want)
		}
	}
	if ReasonFor(nil) != "" {
		t.Fatal("nil error has no reason")
	}
}

func TestRetryable(t *testing.T) {
	for _, code := range []Code{CodeAuth, CodeUnavailable, CodeDownload} {
		if !Retryable(code) {
			t.Fatalf("%s should be retryable", code)
		}
	}
	for _, code := range []Code{CodeEnvelope, CodeIntegrity, CodeHandoff, CodeProtocol, CodeExecutionTimeout} {
		if Retryable(code) {
			t.Fatalf("%s must not be retried", code)
		}
	}
	if CodeOf(context.DeadlineExceeded) != CodeUnavailable {
		t.Fatal("deadline exceeded maps to unavailable")
	}
}

func TestFatalKeepsCode(t *testing.T) {
	err := Wrap(CodeDownload, "ciphertext request returned 404", errors.New("not found")).AsFatal()
	wrapped := fmt.Errorf("decrypt: %w", err)
	if !IsFatal(wrapped) {
		t.Fatal("fatal mark should survive wrapping")
	}
	if CodeOf(wrapped) != CodeDownload || ReasonFor(wrapped) != ReasonDownload {
		t.Fatalf("fatal must not change code or reason, got %s/%s", CodeOf(wrapped), ReasonFor(wrapped))
	}
	if IsFatal(New(CodeDownload, "503")) || IsFatal(errors.New("plain")) {
		t.Fatal("unmarked errors are not fatal")
	}
}
