// Package apperr defines the closed error taxonomy shared by every layer of
// the proxy. Each error carries a kind, an operator-readable message, the
// upstream HTTP status when one exists, and flags that drive retry and
// fault-substrate decisions. No layer is permitted to swallow one of these
// silently: an error is either recovered (and the recovery emits an event) or
// it propagates.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind enumerates every error category the proxy can produce. The set is
// closed: new kinds require a taxonomy change, not an ad-hoc string.
type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindNoEligibleBinding   Kind = "no_eligible_binding"
	KindTransformError      Kind = "transform_error"
	KindAuthError           Kind = "auth_error"
	KindRateLimit           Kind = "rate_limit"
	KindUpstreamError       Kind = "upstream_error"
	KindNetworkError        Kind = "network_error"
	KindTimeout             Kind = "timeout"
	KindEmptyResponse       Kind = "empty_response"
	KindMissingFinishReason Kind = "missing_finish_reason"
	KindCancelled           Kind = "cancelled"
)

// Error is the structured error type used throughout the proxy.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int            // 0 when no upstream status applies
	RetryAfterSecs int            // parsed from Retry-After when present
	Context        map[string]any // binding id, model, stage, etc.
	Err            error          // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// With attaches a context key/value and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithStatus records the upstream HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.UpstreamStatus = status
	return e
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds form) and
// records it. Malformed values are ignored.
func (e *Error) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		e.RetryAfterSecs = secs
	}
}

// Retryable reports whether the request may be reattempted against the same
// binding. Only transient upstream conditions qualify.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstreamError, KindNetworkError, KindTimeout, KindEmptyResponse:
		return true
	}
	return false
}

// Retryable reports whether an arbitrary error may be reattempted against the
// same binding.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Recoverable reports whether the system has a documented recovery path for
// this kind (possibly involving the operator), as opposed to a caller bug.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindBadRequest, KindTransformError:
		return false
	}
	return true
}

// HTTPStatus maps the error kind to the status surfaced to the client.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNoEligibleBinding:
		return http.StatusServiceUnavailable
	case KindTransformError:
		return http.StatusInternalServerError
	case KindAuthError:
		return http.StatusBadGateway
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstreamError:
		if e.UpstreamStatus >= 400 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	case KindNetworkError:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindEmptyResponse:
		return http.StatusBadGateway
	case KindMissingFinishReason:
		return http.StatusInternalServerError
	case KindCancelled:
		return 499 // client closed request; never actually written
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from any error. Errors outside the taxonomy map to
// KindUpstreamError so nothing escapes classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUpstreamError
}

// Is allows errors.Is(err, apperr.New(kind, "")) style matching on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// FromStatus builds an Error from an upstream HTTP status and body snippet.
func FromStatus(status int, body string) *Error {
	snippet := body
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return New(KindAuthError, snippet).WithStatus(status)
	case status == http.StatusTooManyRequests:
		return New(KindRateLimit, snippet).WithStatus(status)
	case status >= 500:
		return New(KindUpstreamError, snippet).WithStatus(status)
	default:
		return New(KindUpstreamError, snippet).WithStatus(status)
	}
}

// Backoff returns the retry delay for attempt n (0-based) with exponential
// growth from base, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
