// Package apperr defines the typed failures returned by routing operations
// and their mapping to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a routing failure
type Kind string

const (
	NotFound               Kind = "not_found"
	InvalidTransition      Kind = "invalid_transition"
	AlreadyAssigned        Kind = "already_assigned"
	NotIntendedRecipient   Kind = "not_intended_recipient"
	TransferAlreadyPending Kind = "transfer_already_pending"
	RecipientUnavailable   Kind = "recipient_unavailable"
	Forbidden              Kind = "forbidden"
	InvalidInput           Kind = "invalid_input"
	Conflict               Kind = "conflict"
	Internal               Kind = "internal_error"
)

// Error is a typed routing failure
type Error struct {
	Kind    Kind   `json:"error"`
	Op      string `json:"op,omitempty"`
	CaseID  string `json:"caseId,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.CaseID != "" {
		msg += " [" + e.CaseID + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, op, caseID, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		CaseID:  caseID,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, op, caseID string, err error) *Error {
	return &Error{Kind: kind, Op: op, CaseID: caseID, Err: err}
}

// KindOf returns the kind of err, or Internal when err is not typed
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// HTTPStatus maps err to a response status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case InvalidTransition, AlreadyAssigned, TransferAlreadyPending, RecipientUnavailable, Conflict:
		return http.StatusConflict
	case NotIntendedRecipient, Forbidden:
		return http.StatusForbidden
	case InvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
