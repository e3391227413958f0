package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindsSurviveWrapping(t *testing.T) {
	t.Parallel()

	usage := fmt.Errorf("start collection: %w", Usage("startTrafficCollection", "a collection is already active"))
	if !IsUsage(usage) {
		t.Fatalf("IsUsage(%v) = false, want true", usage)
	}
	if IsTimeout(usage) {
		t.Fatalf("IsTimeout(%v) = true, want false", usage)
	}

	timeout := fmt.Errorf("proxy: %w", Timeout("proxy startup", 30*time.Second, context.DeadlineExceeded))
	if !IsTimeout(timeout) {
		t.Fatalf("IsTimeout(%v) = false, want true", timeout)
	}
	if !errors.Is(timeout, context.DeadlineExceeded) {
		t.Fatalf("errors.Is(%v, DeadlineExceeded) = false, want true", timeout)
	}
}

func TestPreflightErrorMessage(t *testing.T) {
	t.Parallel()

	err := &PreflightError{Domain: "doubleclick.net", Addrs: []string{"0.0.0.0"}}
	want := "dns appears blocked: doubleclick.net resolves to 0.0.0.0"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
