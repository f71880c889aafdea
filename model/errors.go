package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes carried by ErrorEnvelope.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

var codeStatus = map[string]int{
	ErrBadRequest:        http.StatusBadRequest,
	ErrUnauthorized:      http.StatusUnauthorized,
	ErrNotFound:          http.StatusNotFound,
	ErrConflict:          http.StatusConflict,
	ErrValidationError:   http.StatusUnprocessableEntity,
	ErrInvalidTransition: http.StatusUnprocessableEntity,
	ErrInternalError:     http.StatusInternalServerError,
}

// ErrorEnvelope is the typed error the engine returns for anything a caller
// can act on. Store and transport failures stay plain errors and surface as
// INTERNAL_ERROR.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// HTTPStatus is the response status for the envelope's code.
func (e *ErrorEnvelope) HTTPStatus() int {
	if s, ok := codeStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FieldError points at one invalid field of a workflow definition or
// request body, e.g. "steps[2].delay.value".
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the code of the envelope in err's chain, or "".
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError reports a lost race or a decision already taken: a task
// decided twice, a dispatch claim held by another scanner, a stale version.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidTransitionError reports a status change the enrollment state
// machine does not allow.
func NewInvalidTransitionError(from, to EnrollmentStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("cannot transition enrollment from %s to %s", from, to),
	}
}

// NewValidationError wraps field-level problems with a workflow definition
// or request.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	msg := "One or more fields are invalid"
	if len(details) == 1 {
		msg = details[0].Field + ": " + details[0].Message
	}
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg, Details: details}
}

func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInternalError, Message: "An unexpected error occurred"}
}
