// Package apperr maps the kernel's error taxonomy (spec.md §7) onto
// HTTP status codes and a stable JSON error envelope for the control
// surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes, one per spec.md §7 error kind plus the control
// surface's own InvalidParams/MethodNotFound framing.
const (
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeInvalidTask      = "INVALID_TASK"
	CodeDuplicateTaskID  = "DUPLICATE_TASK_ID"
	CodeCycleDetected    = "CYCLE_DETECTED"
	CodeCapabilityDenied = "CAPABILITY_DENIED"
	CodeNotFound         = "NOT_FOUND"
	CodePolicyBlocked    = "POLICY_BLOCKED"
	CodeInternal         = "INTERNAL_ERROR"
)

// AppError is the control surface's error envelope.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// InvalidParams builds an InvalidParams-style error for a bad request
// body or an illegal state transition, per spec.md §6.
func InvalidParams(message string) *AppError {
	return &AppError{Code: CodeInvalidParams, Message: message, HTTPStatus: http.StatusBadRequest}
}

// MethodNotFound builds a MethodNotFound-style error for an unknown
// executor kind or unregistered resource.
func MethodNotFound(message string) *AppError {
	return &AppError{Code: CodeMethodNotFound, Message: message, HTTPStatus: http.StatusNotFound}
}

// NotFound builds a not-found error for a missing task, plan, or
// entity.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id), HTTPStatus: http.StatusNotFound}
}

// PolicyBlocked builds the error surfaced when the Policy Engine
// blocks a plan.
func PolicyBlocked(reason string) *AppError {
	return &AppError{Code: CodePolicyBlocked, Message: reason, HTTPStatus: http.StatusForbidden}
}

// Internal wraps an unexpected error as a generic internal failure
// with a human-readable cause, per spec.md §6.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Wrap converts a scheduler/bus/capability sentinel error into an
// AppError, preserving an already-typed AppError unchanged.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(message, err)
}
