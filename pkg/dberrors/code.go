package dberrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code is a master-level error code surfaced to clients next to the category.
type Code string

const (
	CodeUnknown                   Code = ""
	CodeTableNotRunning           Code = "TABLE_NOT_RUNNING"
	CodeTabletNotRunning          Code = "TABLET_NOT_RUNNING"
	CodeSplitOrBackfillInProgress Code = "SPLIT_OR_BACKFILL_IN_PROGRESS"
	CodeObjectNotFound            Code = "OBJECT_NOT_FOUND"
	CodeNamespaceNotFound         Code = "NAMESPACE_NOT_FOUND"
	CodeTableNotFound             Code = "TABLE_NOT_FOUND"
	CodeNamespaceAlreadyPresent   Code = "NAMESPACE_ALREADY_PRESENT"
	CodeObjectAlreadyPresent      Code = "OBJECT_ALREADY_PRESENT"
	CodeNamespaceIsNotEmpty       Code = "NAMESPACE_IS_NOT_EMPTY"
	CodeInvalidSchema             Code = "INVALID_SCHEMA"
)

type codedError struct {
	cause error
	code  Code
}

func (e *codedError) Error() string { return fmt.Sprintf("%s (%s)", e.cause.Error(), e.code) }
func (e *codedError) Unwrap() error { return e.cause }

// WithCode attaches a master error code to err. A nil err stays nil.
func WithCode(err error, code Code) error {
	if err == nil {
		return nil
	}
	return &codedError{cause: err, code: code}
}

// CodeOf returns the outermost code attached to err, or CodeUnknown.
func CodeOf(err error) Code {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return CodeUnknown
}
