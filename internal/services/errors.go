package services

import (
	"errors"
	"fmt"

	"github.com/storageinator/backend/internal/models"
)

type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindForbidden         ErrorKind = "forbidden"
	KindConflict          ErrorKind = "conflict"
	KindValidation        ErrorKind = "validation"
	KindIntegrityMismatch ErrorKind = "integrity_mismatch"
)

// Error is a domain outcome the caller can act on. Anything that is not an
// *Error is an infrastructure failure.
type Error struct {
	Kind    ErrorKind
	Action  models.Action
	Message string
}

func (e *Error) Error() string {
	if e.Kind == KindForbidden && e.Action != "" {
		return fmt.Sprintf("%s: %s permission required", e.Message, e.Action)
	}
	return e.Message
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(action models.Action) *Error {
	return &Error{Kind: KindForbidden, Action: action, Message: "access denied"}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func IntegrityMismatch(format string, args ...interface{}) *Error {
	return &Error{Kind: KindIntegrityMismatch, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a domain error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return ""
}

// DeniedAction returns the action a Forbidden error was raised for.
func DeniedAction(err error) models.Action {
	var svcErr *Error
	if errors.As(err, &svcErr) && svcErr.Kind == KindForbidden {
		return svcErr.Action
	}
	return ""
}
