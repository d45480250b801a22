package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrMissingRecipient is returned when the payload lacks the contact field the channel needs.
	ErrMissingRecipient = errors.New("missing recipient contact")
	// ErrUnavailable is returned by clients without configured credentials.
	ErrUnavailable = errors.New("channel not configured")
	// ErrNotImplemented is returned by channel stubs.
	ErrNotImplemented = errors.New("channel not implemented")
	// ErrRender marks a message that could not be built from its template data.
	ErrRender = errors.New("render message")
)

// TransportError describes a failed call to an external delivery provider.
type TransportError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "transport error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// FailureReason maps a send error to a short label used for metrics.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrMissingRecipient):
		return "missing_recipient"
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrNotImplemented):
		return "unavailable"
	case errors.Is(err, ErrRender):
		return "render"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		if transportErr.StatusCode > 0 {
			return "rejected"
		}
		return "network"
	}

	return "unknown"
}
