package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestEngineCodesAreNotRetryable(t *testing.T) {
	codes := []Code{
		CodeContractNotFound,
		CodeFunctionNotFound,
		CodeTypeMismatch,
		CodeInvalidValue,
		CodeEncodingFailure,
		CodeExecutorNotDeployed,
		CodeReadCallFailure,
		CodeSigningFailure,
		CodeLoopDetected,
	}
	for _, code := range codes {
		if AttributesOf(code).Retryable {
			t.Fatalf("code %s must not be retryable", code)
		}
		if err := New(code, ""); err.Message() == AttributesOf(CodeUnknown).Message {
			t.Fatalf("code %s is not registered", code)
		}
	}
}

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("execution reverted")
	err := Wrap(CodeReadCallFailure, cause, "读取合约失败", WithMetadata("contract", "0x01"))
	wrapped := fmt.Errorf("dispatch: %w", err)

	if CodeOf(wrapped) != CodeReadCallFailure {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(wrapped, New(CodeReadCallFailure, "other")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if RetryableError(wrapped) {
		t.Fatalf("read failures must not be retryable")
	}
	if got := err.Metadata()["contract"]; got != "0x01" {
		t.Fatalf("unexpected metadata %q", got)
	}
}

func TestLogValueIncludesMetadata(t *testing.T) {
	err := New(CodeTypeMismatch, "bad", WithMetadata("expected_type", "uint256"))
	group := err.LogValue().Group()
	found := map[string]string{}
	for _, attr := range group {
		found[attr.Key] = attr.Value.String()
	}
	if found["code"] != string(CodeTypeMismatch) || found["expected_type"] != "uint256" {
		t.Fatalf("unexpected log value: %+v", found)
	}
}
