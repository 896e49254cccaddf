package rpc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/provider"
	"github.com/guidegenie/guidegenie/internal/session"
	"google.golang.org/grpc/codes"
)

// Code classifies an RPC failure.
type Code string

const (
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeInternal     Code = "INTERNAL"
)

// Error is the failure returned to RPC callers. Message is user-facing.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps the code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// GRPCCode maps the code to a gRPC status code.
func (e *Error) GRPCCode() codes.Code {
	switch e.Code {
	case CodeBadRequest:
		return codes.InvalidArgument
	case CodeUnauthorized:
		return codes.Unauthenticated
	case CodeForbidden:
		return codes.PermissionDenied
	case CodeNotFound:
		return codes.NotFound
	case CodeConflict:
		return codes.AlreadyExists
	}
	return codes.Internal
}

// AsError converts any error returned by a procedure into an *Error.
// Unknown errors become INTERNAL with a generic message; the second return
// value reports whether that happened so the caller can log the original.
func AsError(err error) (*Error, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr, rerr.Code == CodeInternal
	}

	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return &Error{Code: CodeBadRequest, Message: verr.Error(), Details: verr.Problems}, false
	}
	var ierr *session.InputError
	if errors.As(err, &ierr) {
		return &Error{Code: CodeBadRequest, Message: ierr.Message}, false
	}
	if errors.Is(err, session.ErrNotAuthenticated) {
		return &Error{Code: CodeUnauthorized, Message: "not authenticated"}, false
	}
	var aerr *session.AuthError
	if errors.As(err, &aerr) {
		code := CodeBadRequest
		if perr, ok := provider.IsProviderError(err); ok {
			code = codeForStatus(perr.Status)
		}
		return &Error{Code: code, Message: aerr.Message}, false
	}
	if perr, ok := provider.IsProviderError(err); ok {
		return &Error{Code: codeForStatus(perr.Status), Message: perr.Message}, false
	}
	if errors.Is(err, provider.ErrNoRows) {
		return &Error{Code: CodeNotFound, Message: "not found"}, false
	}
	return &Error{Code: CodeInternal, Message: "internal error"}, true
}

func codeForStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return CodeConflict
	case status >= 500:
		return CodeInternal
	}
	return CodeBadRequest
}
