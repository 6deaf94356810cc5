package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error by who is at fault
type Kind int

const (
	// KindInternal is an unexpected failure
	KindInternal Kind = iota
	// KindValidation is a malformed or incomplete request
	KindValidation
	// KindUnauthorized is a missing or invalid credential
	KindUnauthorized
	// KindUpstream is a failure of the store, object storage, model or push vendor
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// HTTPStatus is the status code returned to clients for this kind
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error tagged with its kind and the client-facing message
type Error struct {
	Kind    Kind
	Message string
	// UpstreamStatus is the vendor's HTTP status when one was reported
	UpstreamStatus int
	// ReceiptID is set once a receipt record exists for the failing request
	ReceiptID string
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithReceipt attaches a receipt id to the error
func (e *Error) WithReceipt(id string) *Error {
	e.ReceiptID = id
	return e
}

// Validation returns a 400-class error
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Unauthorized returns a 401-class error
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

// Upstream wraps a collaborator failure. The message is what the client sees.
func Upstream(message string, err error) *Error {
	e := &Error{Kind: KindUpstream, Message: message, Err: err}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		e.UpstreamStatus = status.HTTPStatusCode()
	}
	return e
}

// Internal wraps an unexpected failure
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

// Classify returns err as an *Error, treating anything untagged as internal
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
