// Package errors defines the structured error taxonomy shared by the
// licensing, rate-limiting and connectivity components, plus its HTTP
// rendering.
package errors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Kind is the machine-readable error classification callers switch on.
type Kind string

const (
	KindInvalidFingerprintFormat     Kind = "INVALID_FINGERPRINT_FORMAT"
	KindRateLimitExceeded            Kind = "RATE_LIMIT_EXCEEDED"
	KindBurstLimitExceeded           Kind = "BURST_LIMIT_EXCEEDED"
	KindIPBlocked                    Kind = "IP_BLOCKED"
	KindTokenExpired                 Kind = "TOKEN_EXPIRED"
	KindTokenRevoked                 Kind = "TOKEN_REVOKED"
	KindHardwareMismatch             Kind = "HARDWARE_MISMATCH"
	KindInvalidSignature             Kind = "INVALID_SIGNATURE"
	KindMalformedToken               Kind = "MALFORMED_TOKEN"
	KindSecurityVerificationRequired Kind = "SECURITY_VERIFICATION_REQUIRED"
	KindInternal                     Kind = "INTERNAL"
)

// Error is a structured domain error with a machine-readable kind, a human
// string, and an optional retry-after hint for throttling errors.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so sentinel comparisons work through wrapping
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a domain error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a domain error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error around a cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRetryAfter attaches a retry-after hint and returns the error
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidFingerprintFormat     = New(KindInvalidFingerprintFormat, "hardware fingerprint failed structural validation")
	ErrRateLimitExceeded            = New(KindRateLimitExceeded, "rate limit exceeded")
	ErrBurstLimitExceeded           = New(KindBurstLimitExceeded, "burst limit exceeded")
	ErrIPBlocked                    = New(KindIPBlocked, "ip address is blocked")
	ErrTokenExpired                 = New(KindTokenExpired, "license token has expired")
	ErrTokenRevoked                 = New(KindTokenRevoked, "license token has been revoked")
	ErrHardwareMismatch             = New(KindHardwareMismatch, "hardware fingerprint does not match token binding")
	ErrInvalidSignature             = New(KindInvalidSignature, "token signature verification failed")
	ErrMalformedToken               = New(KindMalformedToken, "token is malformed")
	ErrSecurityVerificationRequired = New(KindSecurityVerificationRequired, "additional security verification required")
)

// httpStatus maps an error kind to its HTTP status code
func httpStatus(kind Kind) int {
	switch kind {
	case KindInvalidFingerprintFormat, KindMalformedToken:
		return http.StatusBadRequest
	case KindTokenExpired, KindTokenRevoked, KindInvalidSignature:
		return http.StatusUnauthorized
	case KindHardwareMismatch, KindSecurityVerificationRequired:
		return http.StatusForbidden
	case KindRateLimitExceeded, KindBurstLimitExceeded, KindIPBlocked:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrResponse is the rendered form of a domain error
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	Code           string `json:"code"`
	ErrorText      string `json:"error"`
	RetryAfter     int64  `json:"retry_after,omitempty"`
}

// Render implements the render.Renderer interface
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// Renderer converts any error into a render.Renderer. Domain errors keep
// their kind and retry-after; everything else becomes an opaque internal
// error.
func Renderer(err error) render.Renderer {
	if domainErr, ok := asDomainError(err); ok {
		status := httpStatus(domainErr.Kind)
		return &ErrResponse{
			HTTPStatusCode: status,
			StatusText:     http.StatusText(status),
			Code:           string(domainErr.Kind),
			ErrorText:      domainErr.Message,
			RetryAfter:     int64(domainErr.RetryAfter.Seconds()),
		}
	}
	return &ErrResponse{
		HTTPStatusCode: http.StatusInternalServerError,
		StatusText:     http.StatusText(http.StatusInternalServerError),
		Code:           string(KindInternal),
		ErrorText:      "an unexpected error occurred",
	}
}

// InvalidRequest renders a request binding/validation failure
func InvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     http.StatusText(http.StatusBadRequest),
		Code:           "INVALID_REQUEST",
		ErrorText:      err.Error(),
	}
}

func asDomainError(err error) (*Error, bool) {
	for err != nil {
		if domainErr, ok := err.(*Error); ok {
			return domainErr, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = unwrapper.Unwrap()
	}
	return nil, false
}
