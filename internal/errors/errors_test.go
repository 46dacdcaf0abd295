package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestKindOfFollowsRegistry(t *testing.T) {
	const code Code = "TEST_CHAIN_REJECTED"
	Register(code, Attributes{Message: "rejected", Kind: KindChainRejection})

	err := fmt.Errorf("outer: %w", Wrap(code, stdErrors.New("execution reverted"), ""))
	if got := KindOf(err); got != KindChainRejection {
		t.Fatalf("unexpected kind: got %q want %q", got, KindChainRejection)
	}
	if got := PublicMessage(err); got != "rejected" {
		t.Fatalf("public message leaked cause: %q", got)
	}
}

func TestKindDefaultsToInternal(t *testing.T) {
	if got := KindOf(stdErrors.New("boom")); got != KindInternal {
		t.Fatalf("plain error kind = %q", got)
	}
	if got := KindOf(New(CodeStorageFailure, "")); got != KindInternal {
		t.Fatalf("storage failure kind = %q", got)
	}
	if got := KindOf(New(CodeValidation, "")); got != KindValidation {
		t.Fatalf("validation kind = %q", got)
	}
}

func TestRetryableOverride(t *testing.T) {
	err := New(CodeTransientNetwork, "rpc dial failed")
	if !RetryableError(err) {
		t.Fatal("transient network errors should be retryable by default")
	}
	if RetryableError(New(CodeTransientNetwork, "", WithRetryable(false))) {
		t.Fatal("explicit override should win")
	}
	if !stdErrors.Is(fmt.Errorf("wrap: %w", err), New(CodeTransientNetwork, "other")) {
		t.Fatal("errors.Is should match by code")
	}
}

func TestIsCodeWalksChain(t *testing.T) {
	inner := New(CodeTimeout, "deadline")
	outer := Wrap(CodeRetriesExhausted, inner, "gave up")
	if !IsCode(outer, CodeTimeout) {
		t.Fatal("expected inner code to be found")
	}
	if IsCode(outer, CodeValidation) {
		t.Fatal("unexpected code match")
	}
	if IsCode(nil, CodeTimeout) {
		t.Fatal("nil error must not match")
	}
}

func TestMetadataOfMergesChain(t *testing.T) {
	inner := New(CodeTimeout, "", WithMetadata("rpc", "sepolia"), WithMetadata("attempt", "1"))
	outer := Wrap(CodeRetriesExhausted, fmt.Errorf("dial: %w", inner), "", WithMetadata("attempt", "3"))

	meta := MetadataOf(outer)
	if meta["rpc"] != "sepolia" {
		t.Fatalf("inner metadata lost: %v", meta)
	}
	if meta["attempt"] != "3" {
		t.Fatalf("outer metadata should win: %v", meta)
	}
	if MetadataOf(stdErrors.New("plain")) != nil {
		t.Fatal("plain errors carry no metadata")
	}
}

func TestRegisterFillsSeverityFromKind(t *testing.T) {
	const code Code = "TEST_GATEWAY_DECLINED"
	Register(code, Attributes{Message: "declined", Kind: KindSettlement})
	if got := AttributesOf(code).Severity; got != SeverityCritical {
		t.Fatalf("severity = %q", got)
	}
	if got := AttributesOf("NEVER_REGISTERED").Message; got != "unknown error" {
		t.Fatalf("unregistered code should fall back to UNKNOWN, got %q", got)
	}
}
