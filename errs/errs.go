// Package errs defines the stable, host-visible error kinds every other
// package in this module returns through, so an embedding application can
// branch on `errors.Is` instead of matching strings or concrete types.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the named error conditions a host can test for with
// errors.Is against the corresponding sentinel below.
type Kind string

const (
	KindFinalized              Kind = "finalized"
	KindBadPath                Kind = "bad_path"
	KindBadFile                Kind = "bad_file"
	KindBadTransfer            Kind = "bad_transfer"
	KindBadTransferState       Kind = "bad_transfer_state"
	KindBadFileID              Kind = "bad_file_id"
	KindIoError                Kind = "io_error"
	KindTransferLimitsExceeded Kind = "transfer_limits_exceeded"
	KindMismatchedSize         Kind = "mismatched_size"
	KindInvalidArgument        Kind = "invalid_argument"
	KindAddrInUse              Kind = "addr_in_use"
	KindFileModified           Kind = "file_modified"
	KindFilenameTooLong        Kind = "filename_too_long"
	KindAuthenticationFailed   Kind = "authentication_failed"
	KindStorageError           Kind = "storage_error"
	KindDbLost                 Kind = "db_lost"
	KindFileChecksumMismatch   Kind = "file_checksum_mismatch"
	KindFileRejected           Kind = "file_rejected"
	KindFileFailed             Kind = "file_failed"
	KindFileFinished           Kind = "file_finished"
	KindEmptyTransfer          Kind = "empty_transfer"
	KindConnectionClosedByPeer Kind = "connection_closed_by_peer"
	KindTooManyRequests        Kind = "too_many_requests"
	KindPermissionDenied       Kind = "permission_denied"
)

// Sentinel values for errors.Is comparisons. Every Error built by New/Wrap
// with one of the Kinds above wraps exactly one of these; any other Kind
// gets a fresh error named after the Kind instead.
var (
	ErrFinalized              = errors.New("transfer already finalized")
	ErrBadPath                = errors.New("bad path")
	ErrBadFile                = errors.New("bad file")
	ErrBadTransfer            = errors.New("bad transfer")
	ErrBadTransferState       = errors.New("bad transfer state")
	ErrBadFileID              = errors.New("bad file id")
	ErrIoError                = errors.New("io error")
	ErrTransferLimitsExceeded = errors.New("transfer limits exceeded")
	ErrMismatchedSize         = errors.New("mismatched size")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrAddrInUse              = errors.New("address already in use")
	ErrFileModified           = errors.New("file modified during transfer")
	ErrFilenameTooLong        = errors.New("filename too long")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrStorageError           = errors.New("storage error")
	ErrDbLost                 = errors.New("database connection lost")
	ErrFileChecksumMismatch   = errors.New("file checksum mismatch")
	ErrFileRejected           = errors.New("file rejected")
	ErrFileFailed             = errors.New("file failed")
	ErrFileFinished           = errors.New("file already finished")
	ErrEmptyTransfer          = errors.New("transfer has no files")
	ErrConnectionClosedByPeer = errors.New("connection closed by peer")
	ErrTooManyRequests        = errors.New("too many requests")
	ErrPermissionDenied       = errors.New("permission denied")
)

var sentinels = map[Kind]error{
	KindFinalized:              ErrFinalized,
	KindBadPath:                ErrBadPath,
	KindBadFile:                ErrBadFile,
	KindBadTransfer:            ErrBadTransfer,
	KindBadTransferState:       ErrBadTransferState,
	KindBadFileID:              ErrBadFileID,
	KindIoError:                ErrIoError,
	KindTransferLimitsExceeded: ErrTransferLimitsExceeded,
	KindMismatchedSize:         ErrMismatchedSize,
	KindInvalidArgument:        ErrInvalidArgument,
	KindAddrInUse:              ErrAddrInUse,
	KindFileModified:           ErrFileModified,
	KindFilenameTooLong:        ErrFilenameTooLong,
	KindAuthenticationFailed:   ErrAuthenticationFailed,
	KindStorageError:           ErrStorageError,
	KindDbLost:                 ErrDbLost,
	KindFileChecksumMismatch:   ErrFileChecksumMismatch,
	KindFileRejected:           ErrFileRejected,
	KindFileFailed:             ErrFileFailed,
	KindFileFinished:           ErrFileFinished,
	KindEmptyTransfer:          ErrEmptyTransfer,
	KindConnectionClosedByPeer: ErrConnectionClosedByPeer,
	KindTooManyRequests:        ErrTooManyRequests,
	KindPermissionDenied:       ErrPermissionDenied,
}

// Error carries a Kind plus caller-supplied context fields, so a host can
// both errors.Is against the stable sentinel and inspect what happened.
type Error struct {
	Kind    Kind
	Context map[string]any
	err     error
}

// New builds an Error of the given kind with a formatted context message.
func New(kind Kind, format string, args ...any) *Error {
	sentinel, ok := sentinels[kind]
	if !ok {
		sentinel = errors.New(string(kind))
	}
	return &Error{
		Kind: kind,
		err:  fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel),
	}
}

// Wrap builds an Error of the given kind around an underlying cause,
// preserving it for errors.Unwrap/errors.As while still satisfying
// errors.Is against the kind's sentinel.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	sentinel, ok := sentinels[kind]
	if !ok {
		sentinel = errors.New(string(kind))
	}
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Kind: kind,
		err:  fmt.Errorf("%s: %w: %w", msg, sentinel, cause),
	}
}

// WithField attaches a context field and returns e for chaining.
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }
