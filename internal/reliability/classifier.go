package reliability

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

// FaultKind classifies a failed completion call.
type FaultKind string

const (
	FaultNone         FaultKind = ""
	FaultTransport    FaultKind = "transport"
	FaultUnclassified FaultKind = "unclassified"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsGatewayHTTPStatus reports statuses produced by proxies when the
// upstream could not be reached.
func IsGatewayHTTPStatus(code int) bool {
	switch code {
	case 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify maps a completion error onto a FaultKind. Connectivity problems
// (refused or reset connections, DNS, timeouts, TLS, truncated bodies and
// gateway statuses) are transport faults; everything else is unclassified.
func Classify(err error) FaultKind {
	if err == nil {
		return FaultNone
	}
	if IsTransport(err) {
		return FaultTransport
	}
	return FaultUnclassified
}

func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsGatewayHTTPStatus(sc.HTTPStatus())
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsRetryable reports whether a user could reasonably resend the same input.
func IsRetryable(err error) bool {
	if IsTransport(err) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatus())
	}
	return false
}
