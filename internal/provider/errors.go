package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/carebridge/comms-engine/internal/domain"
)

// AdapterError classifies provider call failures. Retryable failures are
// transient provider conditions; everything else is permanent and pins the
// message out of the retry sweep.
type AdapterError struct {
	Code       domain.ErrorCode
	StatusCode int
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, string(e.Code))

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

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether a send failure should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// ErrorCodeOf extracts the taxonomy code from a send failure, defaulting to
// SEND_ERROR for untyped errors.
func ErrorCodeOf(err error) domain.ErrorCode {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) && adapterErr.Code != "" {
		return adapterErr.Code
	}
	return domain.ErrCodeSendError
}
