// Package apperr classifies service errors into the kinds the HTTP layer
// knows how to surface. Services return *Error (or wrap one); handlers
// translate with HTTPStatus.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindValidation Kind = iota // semantic input problem → 400
	KindSchema                 // structural input problem → 422
	KindAuth                   // authentication → 403, uniform reason
	KindForbidden              // authorization → 403, specific reason
	KindNotFound               // → 404
	KindConflict               // invalid transition, races → 409
	KindTooLarge               // body cap → 413
	KindRateLimit              // → 429
	KindDependency             // DB/KV/chain/sandbox failures → 503
	KindInternal               // → 500
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation and friends are shorthands for the common kinds.
func Validation(msg string) *Error { return New(KindValidation, msg) }
func Schema(msg string) *Error     { return New(KindSchema, msg) }
func NotFound(msg string) *Error   { return New(KindNotFound, msg) }
func Conflict(msg string) *Error   { return New(KindConflict, msg) }
func Forbidden(msg string) *Error  { return New(KindForbidden, msg) }

// AuthFailed is the single reason surfaced for every authentication
// failure so callers cannot probe which check rejected them.
var AuthFailed = New(KindAuth, "authentication failed")

// HTTPStatus maps an error to a status code. Unclassified errors are 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindSchema:
		return http.StatusUnprocessableEntity
	case KindAuth, KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-facing reason, hiding internals for 5xx.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindDependency:
		return "service temporarily unavailable"
	case KindInternal:
		return "internal error"
	}
	return e.Msg
}
