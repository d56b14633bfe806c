package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// HTTPStatused is implemented by errors that carry an HTTP status code.
// Provider error types implement it so this package stays free of
// provider imports.
type HTTPStatused interface {
	HTTPStatus() int
}

// RetryableStatus classifies retryable HTTP status codes
func RetryableStatus(code int) bool {
	return code == 429 || (code >= 500 && code <= 599)
}

// Retryable is the default classification: network-class failures
// (reset, timeout, DNS), HTTP 5xx and HTTP 429 are transient; everything
// else is fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statused HTTPStatused
	if errors.As(err, &statused) {
		return RetryableStatus(statused.HTTPStatus())
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	return false
}
