package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	t.Parallel()

	base := NotFound("checkpoint_not_found", "checkpoint %s not found", "abc")
	wrapped := fmt.Errorf("restore: %w", fmt.Errorf("load manifest: %w", base))

	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("KindOf() = %v, want %v", got, KindNotFound)
	}
	if got := CodeOf(wrapped); got != "checkpoint_not_found" {
		t.Fatalf("CodeOf() = %q, want %q", got, "checkpoint_not_found")
	}
}

func TestKindOfMapsContextSentinels(t *testing.T) {
	t.Parallel()

	if got := KindOf(fmt.Errorf("wait: %w", context.Canceled)); got != KindCancelled {
		t.Errorf("KindOf(canceled) = %v, want %v", got, KindCancelled)
	}
	if got := KindOf(fmt.Errorf("wait: %w", context.DeadlineExceeded)); got != KindTimeout {
		t.Errorf("KindOf(deadline) = %v, want %v", got, KindTimeout)
	}
	if got := KindOf(fmt.Errorf("open: %w", fs.ErrNotExist)); got != KindNotFound {
		t.Errorf("KindOf(fs.ErrNotExist) = %v, want %v", got, KindNotFound)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindInternal)
	}
}

func TestErrorIsMatchesByKindAndCode(t *testing.T) {
	t.Parallel()

	err := Busy("session_limit", "limit of %d sessions reached", 8)
	if !errors.Is(err, &Error{Kind: KindBusy}) {
		t.Errorf("kind-only sentinel did not match")
	}
	if !errors.Is(err, &Error{Kind: KindBusy, Code: "session_limit"}) {
		t.Errorf("kind+code sentinel did not match")
	}
	if errors.Is(err, &Error{Kind: KindBusy, Code: "other_code"}) {
		t.Errorf("mismatched code matched")
	}
	if errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Errorf("mismatched kind matched")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := Io(cause, "blob_write", "write blob %s", "aa11")
	if !errors.Is(err, cause) {
		t.Errorf("cause lost through Wrap")
	}
	if err.Error() != "write blob aa11: disk full" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWithContext(t *testing.T) {
	t.Parallel()

	err := SessionNotRunning("send_rejected", "session is terminal").
		WithContext("session_id", "ses-1").
		WithContext("state", "completed")
	if err.Context["session_id"] != "ses-1" || err.Context["state"] != "completed" {
		t.Errorf("context bag = %v", err.Context)
	}
}

func TestKindStrings(t *testing.T) {
	t.Parallel()

	cases := map[Kind]string{
		KindNotFound:          "not-found",
		KindQuotaExceeded:     "quota-exceeded",
		KindSessionNotRunning: "session-not-running",
		KindInternal:          "internal",
		Kind(99):              "internal",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
