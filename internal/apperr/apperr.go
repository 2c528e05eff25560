// Package apperr defines the stable error taxonomy returned at the service
// boundary and maps arbitrary errors onto a (code, HTTP status) pair.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

// Error codes surfaced to webhook senders and API callers.
const (
	AuthFailed                  Code = "AUTH_FAILED"
	InstallationNotFound        Code = "INSTALLATION_NOT_FOUND"
	RateLimited                 Code = "RATE_LIMITED"
	NetworkError                Code = "NETWORK_ERROR"
	MissingEventName            Code = "MISSING_EVENT_NAME"
	MissingEventPayload         Code = "MISSING_EVENT_PAYLOAD"
	SignatureVerificationFailed Code = "SIGNATURE_VERIFICATION_FAILED"
	UnsupportedExtension        Code = "UNSUPPORTED_EXTENSION"
	FileParseFailed             Code = "FILE_PARSE_FAILED"
	WebhookHandlerError         Code = "WEBHOOK_HANDLER_ERROR"
	NotFound                    Code = "NOT_FOUND"
	UpstreamError               Code = "UPSTREAM_ERROR"
)

// defaultStatus is the HTTP status used when an Error is created without an
// explicit one.
var defaultStatus = map[Code]int{
	AuthFailed:                  http.StatusUnauthorized,
	InstallationNotFound:        http.StatusNotFound,
	RateLimited:                 http.StatusTooManyRequests,
	NetworkError:                http.StatusBadGateway,
	MissingEventName:            http.StatusUnprocessableEntity,
	MissingEventPayload:         http.StatusUnprocessableEntity,
	SignatureVerificationFailed: http.StatusUnprocessableEntity,
	UnsupportedExtension:        http.StatusUnprocessableEntity,
	FileParseFailed:             http.StatusUnprocessableEntity,
	WebhookHandlerError:         http.StatusBadRequest,
	NotFound:                    http.StatusNotFound,
	UpstreamError:               http.StatusBadGateway,
}

// Status returns the default HTTP status for the code.
func (c Code) Status() int {
	if s, ok := defaultStatus[c]; ok {
		return s
	}

	return http.StatusBadRequest
}

// Error is a classified failure. Op names the operation that failed and Err
// carries the originating cause.
type Error struct {
	Code   Code
	Status int
	Op     string
	Err    error
}

// New returns an Error with the code's default status.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Status: code.Status(), Op: op, Err: err}
}

// WithStatus returns an Error with an explicit HTTP status.
func WithStatus(code Code, status int, op string, err error) *Error {
	return &Error{Code: code, Status: status, Op: op, Err: err}
}

// Errorf is a convenience wrapper building the cause with fmt.Errorf.
func Errorf(code Code, op, format string, args ...any) *Error {
	return New(code, op, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the code and status of the outermost *Error in err's
// chain. Unclassified errors map to WEBHOOK_HANDLER_ERROR / 400.
func Classify(err error) (Code, int) {
	var e *Error
	if errors.As(err, &e) {
		status := e.Status
		if status == 0 {
			status = e.Code.Status()
		}

		return e.Code, status
	}

	return WebhookHandlerError, WebhookHandlerError.Status()
}

// CodeOf returns the classified code of err, or the empty string for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	code, _ := Classify(err)

	return code
}

// Is reports whether the outermost classified error in err's chain has the
// given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
