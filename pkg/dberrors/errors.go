package dberrors

import (
	"github.com/cockroachdb/errors"
)

// Category sentinels. Concrete errors are marked with one of them, so callers
// test the category with errors.Is and still get a descriptive message.
var (
	ErrNotFound        = errors.New("metacat: not found")
	ErrExpired         = errors.New("metacat: expired")
	ErrAlreadyPresent  = errors.New("metacat: already present")
	ErrIllegalState    = errors.New("metacat: illegal state")
	ErrAborted         = errors.New("metacat: aborted")
	ErrInvalidArgument = errors.New("metacat: invalid argument")
	ErrClosed          = errors.New("metacat: closed")
)

func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

func Expiredf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrExpired)
}

func AlreadyPresentf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrAlreadyPresent)
}

func IllegalStatef(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrIllegalState)
}

func Abortedf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrAborted)
}

func InvalidArgumentf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}
