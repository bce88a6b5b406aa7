// Package apperr defines the error taxonomy shared by every layer of the API.
//
// Services return *Error values (or wrap them with fmt.Errorf and %w); the HTTP
// boundary maps the Kind to a status code. Anything that is not an *Error is
// treated as KindInternal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindGateway
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindGateway:
		return "gateway"
	default:
		return "internal"
	}
}

// HTTPStatus returns the response code for errors of this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Reason is a short machine-readable code
// ("insufficient_stock", "expired") and Message the human-readable text.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind and, when the target carries one, Reason. This lets
// errors.Is(err, ErrInsufficientStock) hold for any error derived from the
// sentinel with With or Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == "" || e.Reason == t.Reason)
}

// With returns a copy of e with a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Reason: e.Reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a copy of e that carries cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Reason: e.Reason, Message: e.Message, Err: cause}
}

func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: "invalid_input", Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Reason: "not_found", Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Reason: "forbidden", Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Reason: "conflict", Message: fmt.Sprintf(format, args...)}
}

func Gateway(message string, cause error) *Error {
	return &Error{Kind: KindGateway, Reason: "gateway_error", Message: message, Err: cause}
}

// Domain sentinels.
var (
	ErrInsufficientStock = New(KindConflict, "insufficient_stock", "insufficient stock")
	ErrInactive          = New(KindValidation, "inactive", "product is not active")
	ErrInvalidTransition = New(KindConflict, "invalid_transition", "invalid status transition")
	ErrUnverified        = New(KindGateway, "unverified", "notification could not be verified")
	ErrEmailTaken        = New(KindConflict, "email_taken", "email already registered")
	ErrProviderMismatch  = New(KindConflict, "provider_mismatch", "email already registered with password login")
)

// KindOf classifies err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
