// Package errors defines the application error type shared by the
// repositories, services and handlers of the leads service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeInvalidArgument      Code = "INVALID_ARGUMENT"
	ErrCodeEmptyStock           Code = "EMPTY_STOCK"
	ErrCodeCrossOfficeForbidden Code = "CROSS_OFFICE_FORBIDDEN"
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodePermissionDenied     Code = "PERMISSION_DENIED"
	ErrCodeConflict             Code = "CONFLICT"
	ErrCodeInternal             Code = "INTERNAL"
)

// AppError is the error returned across package boundaries.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any *AppError carrying the same code, so callers can write
// errors.Is(err, &AppError{Code: ErrCodeEmptyStock}).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidArgument, Field: field, Message: message}
}

// EmptyStock reports that a campaign has no unassigned leads left.
func EmptyStock(campaignID string) *AppError {
	return &AppError{Code: ErrCodeEmptyStock, Message: fmt.Sprintf("campaign %q has no leads in stock", campaignID)}
}

// CrossOffice reports a direct reassignment across office boundaries.
func CrossOffice(leadOffice, consultantOffice string) *AppError {
	return &AppError{
		Code:    ErrCodeCrossOfficeForbidden,
		Message: fmt.Sprintf("lead belongs to office %q, consultant to office %q", leadOffice, consultantOffice),
	}
}

// PermissionDenied reports an oracle veto.
func PermissionDenied(action string) *AppError {
	return &AppError{Code: ErrCodePermissionDenied, Message: fmt.Sprintf("not allowed to %s", action)}
}

// CodeOf returns the code carried by err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodePermissionDenied, ErrCodeCrossOfficeForbidden:
		return http.StatusForbidden
	case ErrCodeEmptyStock, ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
