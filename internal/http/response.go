package http

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"

	"metacat/pkg/dberrors"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status        `json:"status,omitempty"`
	Data   any           `json:"data,omitempty"`
	Error  string        `json:"error,omitempty"`
	Code   dberrors.Code `json:"code,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewDataResponse(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// newCatalogErrorResponse keeps the catalog error code so clients can tell,
// for instance, a missing namespace from a missing table.
func newCatalogErrorResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error(), Code: dberrors.CodeOf(err)}
}

// statusFor maps a catalog error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrAlreadyPresent), errors.Is(err, dberrors.ErrIllegalState):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrExpired):
		return http.StatusGone
	case errors.Is(err, dberrors.ErrAborted), errors.Is(err, dberrors.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
