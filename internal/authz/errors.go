package authz

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies authorization failures.
type Kind string

const (
	KindAuthenticationRequired Kind = "authentication_required"
	KindConfiguration          Kind = "configuration_error"
	KindPolicyDenied           Kind = "policy_denied"
	KindConsentRequired        Kind = "consent_required"
	KindConsentExpired         Kind = "consent_expired"
	KindVersionConflict        Kind = "version_conflict"
	KindResourceNotFound       Kind = "resource_not_found"
	KindValidation             Kind = "validation_error"
	KindTamperDetected         Kind = "tamper_detected"
	KindEvaluationTimeout      Kind = "evaluation_timeout"
)

var httpStatusMap = map[Kind]int{
	KindAuthenticationRequired: http.StatusUnauthorized,
	KindConfiguration:          http.StatusInternalServerError,
	KindPolicyDenied:           http.StatusForbidden,
	KindConsentRequired:        http.StatusForbidden,
	KindConsentExpired:         http.StatusForbidden,
	KindVersionConflict:        http.StatusConflict,
	KindResourceNotFound:       http.StatusNotFound,
	KindValidation:             http.StatusBadRequest,
	KindTamperDetected:         http.StatusConflict,
	KindEvaluationTimeout:      http.StatusServiceUnavailable,
}

// Sentinels for errors.Is comparisons. Any *Error of the same kind matches.
var (
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired, Message: "authentication required"}
	ErrConfiguration          = &Error{Kind: KindConfiguration, Message: "configuration error"}
	ErrPolicyDenied           = &Error{Kind: KindPolicyDenied, Message: "denied by policy"}
	ErrConsentRequired        = &Error{Kind: KindConsentRequired, Message: "consent required"}
	ErrConsentExpired         = &Error{Kind: KindConsentExpired, Message: "consent expired"}
	ErrVersionConflict        = &Error{Kind: KindVersionConflict, Message: "version conflict"}
	ErrResourceNotFound       = &Error{Kind: KindResourceNotFound, Message: "resource not found"}
	ErrValidation             = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrTamperDetected         = &Error{Kind: KindTamperDetected, Message: "audit chain tamper detected"}
	ErrEvaluationTimeout      = &Error{Kind: KindEvaluationTimeout, Message: "evaluation timed out"}
)

// Error is a classified authorization error with an optional remediation hint
// that is safe to show to the caller.
type Error struct {
	Kind        Kind
	Message     string
	Remediation string
	Err         error
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithRemediation returns a copy carrying the remediation hint.
func (e *Error) WithRemediation(hint string) *Error {
	cp := *e
	cp.Remediation = hint
	return &cp
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// HTTPStatus returns the HTTP status code for the error.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Kind)
}

// StatusFor maps a kind to its HTTP status.
func StatusFor(kind Kind) int {
	if code, ok := httpStatusMap[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// KindOf extracts the kind from err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RemediationOf extracts the remediation hint from err, if any.
func RemediationOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Remediation
	}
	return ""
}
