package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorRendersKeyValueParts(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := New("feed/session", CodeNetwork,
		WithDataset("EQUS.MINI"),
		WithMessage("read frame"),
		WithCause(cause),
	)

	rendered := err.Error()
	for _, want := range []string{
		"scope=feed/session",
		"code=network",
		"dataset=EQUS.MINI",
		`message="read frame"`,
		`cause="connection reset by peer"`,
	} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("Error() = %q, missing %q", rendered, want)
		}
	}
}

func TestErrorOmitsUnsetOffset(t *testing.T) {
	err := New("dbn/decoder", CodeDecode)
	if strings.Contains(err.Error(), "offset=") {
		t.Fatalf("Error() = %q, expected no offset", err.Error())
	}

	err = New("dbn/decoder", CodeDecode, WithOffset(0))
	if !strings.Contains(err.Error(), "offset=0") {
		t.Fatalf("Error() = %q, expected offset=0", err.Error())
	}
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	inner := New("wire/codec", CodeProtocol, WithMessage("bad server line"))
	wrapped := fmt.Errorf("authenticate: %w", inner)

	code, ok := CodeOf(wrapped)
	if !ok {
		t.Fatal("CodeOf() did not find envelope in chain")
	}
	if code != CodeProtocol {
		t.Fatalf("CodeOf() = %q, want %q", code, CodeProtocol)
	}

	if !Is(wrapped, CodeProtocol) {
		t.Fatal("Is() = false, want true")
	}
	if Is(wrapped, CodeAuth) {
		t.Fatal("Is() matched wrong code")
	}
	if Is(errors.New("plain"), CodeAuth) {
		t.Fatal("Is() matched error without envelope")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("feed/registry", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is() did not reach cause")
	}
}

func TestRetryable(t *testing.T) {
	if !CodeNetwork.Retryable() {
		t.Fatal("network errors should be retryable")
	}
	if CodeAuth.Retryable() {
		t.Fatal("auth errors must not be retryable")
	}
	if CodeAlreadyStarted.Retryable() {
		t.Fatal("programmatic misuse must not be retryable")
	}
}
