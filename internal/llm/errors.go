package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// Transient reports whether an agent-call failure is worth retrying:
// rate limits, connection trouble, read timeouts, upstream 5xx. The
// Lifecycle keys its retry-vs-fail decision on this predicate, never
// on error message text.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 529:
			return true
		}
		return apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
