package gofat

import (
	"fmt"
	"syscall"
)

// Error is a driver-level error. It always carries the POSIX errno code closest
// in meaning to the FAT-level failure (see section 7 of the on-disk error kinds:
// transient I/O, filesystem-structural, semantic, resource, misuse), plus an
// optional message and wrapped cause.
//
// Error implements Unwrap so callers can use errors.Is/errors.As against both
// the sentinel (e.g. ErrNotFound) and ErrnoCode.
type Error struct {
	ErrnoCode syscall.Errno
	message   string
	cause     error
}

func (e Error) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.ErrnoCode.Error()
}

// Is lets errors.Is(err, ErrNotFound) match regardless of attached message or
// wrapped cause, as long as the errno code is the same.
func (e Error) Is(target error) bool {
	other, ok := target.(Error)
	if !ok {
		return false
	}
	return e.ErrnoCode == other.ErrnoCode
}

func (e Error) Unwrap() error {
	return e.cause
}

// WithMessage returns a copy of e with message appended after a colon.
func (e Error) WithMessage(message string) Error {
	if e.message == "" {
		return Error{ErrnoCode: e.ErrnoCode, message: message, cause: e.cause}
	}
	return Error{
		ErrnoCode: e.ErrnoCode,
		message:   fmt.Sprintf("%s: %s", e.message, message),
		cause:     e.cause,
	}
}

// Wrap returns a copy of e with err set as its cause and appended to the message.
func (e Error) Wrap(err error) Error {
	return Error{
		ErrnoCode: e.ErrnoCode,
		message:   fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		cause:     err,
	}
}

// NewDriverError creates an [Error] with a default message derived from the
// system's error code.
func NewDriverError(errnoCode syscall.Errno) Error {
	return Error{ErrnoCode: errnoCode, message: errnoCode.Error()}
}

// NewDriverErrorWithMessage creates an [Error] from a system error code with a
// custom message.
func NewDriverErrorWithMessage(errnoCode syscall.Errno, message string) Error {
	return Error{
		ErrnoCode: errnoCode,
		message:   fmt.Sprintf("%s: %s", errnoCode.Error(), message),
	}
}

// Sentinel errors, one per closed error code named in section 6 of the FAT
// engine's external interface. Each wraps the POSIX errno that's the closest
// semantic match, so callers can test with errors.Is against either this value
// or the plain syscall.Errno.
var (
	ErrDiskFailed       = NewDriverError(syscall.EIO)         // DISK_ERR
	ErrIntErr           = NewDriverError(syscall.EUCLEAN)     // INT_ERR: on-disk invariant violated
	ErrNotReady         = NewDriverError(syscall.ENXIO)       // NOT_READY
	ErrNotFound         = NewDriverError(syscall.ENOENT)      // NO_FILE
	ErrNoPath           = NewDriverError(syscall.ENOENT)      // NO_PATH: missing intermediate component
	ErrInvalidName      = NewDriverError(syscall.EINVAL)      // INVALID_NAME
	ErrDenied           = NewDriverError(syscall.EACCES)      // DENIED
	ErrExists           = NewDriverError(syscall.EEXIST)      // EXIST
	ErrInvalidObject    = NewDriverError(syscall.EBADF)       // INVALID_OBJECT: stale handle
	ErrWriteProtected   = NewDriverError(syscall.EROFS)       // WRITE_PROTECTED
	ErrInvalidDrive     = NewDriverError(syscall.ENODEV)      // INVALID_DRIVE
	ErrNotEnabled       = NewDriverError(syscall.ENOSYS)      // NOT_ENABLED
	ErrNoFileSystem     = NewDriverError(syscall.ENOMEDIUM)   // NO_FILESYSTEM
	ErrMkfsAborted      = NewDriverError(syscall.ECANCELED)   // MKFS_ABORTED
	ErrTimeout          = NewDriverError(syscall.ETIMEDOUT)   // TIMEOUT
	ErrLocked           = NewDriverError(syscall.ENOLCK)      // LOCKED: sharing-table conflict
	ErrNotEnoughCore    = NewDriverError(syscall.ENOMEM)      // NOT_ENOUGH_CORE
	ErrTooManyOpenFiles = NewDriverError(syscall.EMFILE)      // TOO_MANY_OPEN_FILES
	ErrNoSpaceLeft      = NewDriverError(syscall.ENOSPC)      // NO_SPACE_LEFT
	ErrNotADirectory    = NewDriverError(syscall.ENOTDIR)     // NO_DIR
	ErrDirectoryNotEmpty = NewDriverError(syscall.ENOTEMPTY)  // NO_EMPTY_DIR
	ErrIsADirectory     = NewDriverError(syscall.EISDIR)      // IS_DIR
	ErrInvalidParameter = NewDriverError(syscall.EINVAL)      // INVALID_PARAMETER

	// Not part of the closed set in section 6, but needed by the ambient POSIX
	// surface (symlinks aren't part of FAT, but the public API still has to
	// answer ReadLink/Lstat-shaped calls consistently) and by the block-cache
	// layer underneath it.
	ErrNotSupported      = NewDriverError(syscall.ENOTSUP)
	ErrNotPermitted      = NewDriverError(syscall.EPERM)
	ErrIOFailed          = ErrDiskFailed
	ErrInvalidArgument   = ErrInvalidParameter
	ErrArgumentOutOfRange = NewDriverError(syscall.ERANGE)
	ErrFileTooLarge      = NewDriverError(syscall.EFBIG)
	ErrNoSpaceOnDevice   = ErrNoSpaceLeft
)
