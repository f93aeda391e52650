package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies why a relay to the upstream failed.
type Kind int

const (
	// KindUnavailable: connection refused, DNS failure, reset.
	KindUnavailable Kind = iota
	// KindTimeout: the attempt deadline passed before a response arrived.
	KindTimeout
	// KindBadStatus: upstream answered non-2xx or an oversized reply.
	KindBadStatus
	// KindCircuitOpen: the breaker rejected the call without trying.
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindBadStatus:
		return "bad_status"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ErrResponseTooLarge marks an upstream reply longer than MaxResponseBytes.
var ErrResponseTooLarge = errors.New("analytics response too large")

// UpstreamError is returned by Client.Forward for every failed relay.
type UpstreamError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case KindBadStatus:
		if e.Err != nil {
			return fmt.Sprintf("analytics service returned status %d: %v", e.StatusCode, e.Err)
		}
		return fmt.Sprintf("analytics service returned status %d", e.StatusCode)
	case KindTimeout:
		return "analytics service timed out"
	case KindCircuitOpen:
		return "analytics service unavailable: circuit open"
	default:
		if e.Err != nil {
			return "analytics service unreachable: " + e.Err.Error()
		}
		return "analytics service unreachable"
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Rejected reports an upstream 4xx: the batch itself was refused.
func (e *UpstreamError) Rejected() bool {
	return e.Kind == KindBadStatus && e.StatusCode >= 400 && e.StatusCode < 500
}

// retryable is true for transport failures, timeouts and 5xx replies.
func (e *UpstreamError) retryable() bool {
	switch e.Kind {
	case KindCircuitOpen:
		return false
	case KindBadStatus:
		return e.StatusCode >= 500
	default:
		return true
	}
}

// classify wraps a transport error into an UpstreamError.
func classify(err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &UpstreamError{Kind: KindTimeout, Err: err}
	}
	return &UpstreamError{Kind: KindUnavailable, Err: err}
}

// StatusFor maps a Forward error to the HTTP status returned to the caller.
// An upstream 4xx is always 400; legacy collapses every relay failure to 400.
func StatusFor(err error, legacy bool) int {
	if legacy {
		return http.StatusBadRequest
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return http.StatusBadGateway
	}
	switch {
	case ue.Rejected():
		return http.StatusBadRequest
	case ue.Kind == KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
