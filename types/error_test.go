package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithSource("answer")

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got != "[UPSTREAM_ERROR source=answer] upstream failed: root" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrInvalidFrame, "bad json")
	wrapped := fmt.Errorf("decode: %w", inner)

	if !IsErrorCode(wrapped, ErrInvalidFrame) {
		t.Fatalf("expected wrapped error to carry %s", ErrInvalidFrame)
	}
	if IsErrorCode(errors.New("plain"), ErrInvalidFrame) {
		t.Fatalf("plain error must not match")
	}
	if GetErrorCode(nil) != "" {
		t.Fatalf("nil error has no code")
	}
}

func TestStreamErrorCodes(t *testing.T) {
	t.Parallel()

	// 错误码会出现在 JSON 响应里，字符串值不能随意变
	codes := map[ErrorCode]string{
		ErrInvalidFrame:    "INVALID_FRAME",
		ErrSourceExists:    "SOURCE_EXISTS",
		ErrSourceNotFound:  "SOURCE_NOT_FOUND",
		ErrUpstreamError:   "UPSTREAM_ERROR",
		ErrUpstreamTimeout: "UPSTREAM_TIMEOUT",
	}
	if len(codes) != 5 {
		t.Fatalf("stream codes must be distinct, got %d", len(codes))
	}
	for code, want := range codes {
		if string(code) != want {
			t.Fatalf("code %q: want %q", code, want)
		}
	}
}

func TestStatus_Done(t *testing.T) {
	t.Parallel()

	st := Status{ID: "rag", Summary: "retrieving", Kind: StatusKindRetrieval, InProgress: true}
	done := st.Done("3 documents")

	if done.InProgress || done.Message != "3 documents" || done.ID != "rag" {
		t.Fatalf("unexpected done status %+v", done)
	}
	if !st.InProgress {
		t.Fatalf("original status must be untouched")
	}
}
