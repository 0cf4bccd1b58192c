package nest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/meigma/nest/internal/native"
)

var (
	// ErrNotSupported is returned when an operation is unavailable for the
	// entry or the archive format.
	ErrNotSupported = errors.New("nest: operation not supported")

	// ErrNotFound is returned when an entry or path does not exist.
	// It matches fs.ErrNotExist.
	ErrNotFound = fmt.Errorf("nest: not found: %w", fs.ErrNotExist)

	// ErrPasswordRequired is returned when an archive needs a password and
	// the call was made without decryption.
	ErrPasswordRequired = native.ErrPasswordRequired

	// ErrWrongPassword is returned when every supplied password was
	// rejected and the prompt was declined.
	ErrWrongPassword = errors.New("nest: wrong password")

	// ErrFormatMismatch is returned when a file does not match the format
	// selected for it.
	ErrFormatMismatch = errors.New("nest: format mismatch")

	// ErrIOConflict is returned when a file could not be replaced because
	// another process holds it.
	ErrIOConflict = errors.New("nest: file in use")

	// ErrDisposed is returned by calls on a closed archive or manager.
	ErrDisposed = errors.New("nest: disposed")
)

// IsCanceled reports whether err is a context cancellation or deadline.
// Such errors should not be shown to users.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// pathError wraps err for op on path. Cancellation passes through
// unwrapped.
func pathError(op, path string, err error) error {
	if err == nil || IsCanceled(err) {
		return err
	}
	var pe *fs.PathError
	if errors.As(err, &pe) && pe.Path == path {
		return err
	}
	return &fs.PathError{Op: op, Path: path, Err: err}
}
