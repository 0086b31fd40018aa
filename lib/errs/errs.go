package errs

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

// RetCode identifies the class of a failure. Codes are stable because they
// travel over the wire and through the raft log.
type RetCode uint64

const (
	RetCSuccess                RetCode = iota // 0: Command executed successfully.
	RetCInternalError                         // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                  // 2: Operation is not supported by the underlying database.
	RetCInvalidOperation                      // 3: Invalid operation or malformed request.
	RetCConflict                              // 4: Record is borrowed by another client or the id is taken.
	RetCNotBorrowed                           // 5: Operation requires a borrow the caller does not hold.
	RetCNotHolder                             // 6: Checkin by a client that is not the holder.
	RetCReleased                              // 7: Record is released and therefore immutable.
	RetCSchemaIncompatible                    // 8: Stored schema version cannot be read by the caller.
	RetCRangeExhausted                        // 9: No key left in any granted range.
	RetCServerIdentityMismatch                // 10: Server identity differs from the pinned one.
	RetCTimeout                               // 11: Round trip did not finish in time.
	RetCStorageIO                             // 12: Local storage engine failure.
	RetCNotFound                              // 13: Record does not exist.
	RetCWrongTree                             // 14: Key used with a tree it does not belong to.
	RetCNotOwner                              // 15: Id lies outside the ranges granted to the client.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCConflict:
		return "Conflict"
	case RetCNotBorrowed:
		return "NotBorrowed"
	case RetCNotHolder:
		return "NotHolder"
	case RetCReleased:
		return "Released"
	case RetCSchemaIncompatible:
		return "SchemaIncompatible"
	case RetCRangeExhausted:
		return "RangeExhausted"
	case RetCServerIdentityMismatch:
		return "ServerIdentityMismatch"
	case RetCTimeout:
		return "Timeout"
	case RetCStorageIO:
		return "StorageIOError"
	case RetCNotFound:
		return "NotFound"
	case RetCWrongTree:
		return "WrongTree"
	case RetCNotOwner:
		return "NotOwner"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("tKV error (%s): %s", e.Code, e.Msg)
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, errs.ErrConflict) matches every conflict regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap converts any error into an *Error with the given code.
// An error that already is an *Error keeps its own code.
func Wrap(code RetCode, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(code, err.Error())
}

// CodeOf returns the return code carried by err, RetCSuccess for nil and
// RetCInternalError for foreign errors.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// FromCode rebuilds an error from a code and message received from a peer.
// RetCSuccess yields nil.
func FromCode(code RetCode, msg string) error {
	if code == RetCSuccess {
		return nil
	}
	return NewError(code, msg)
}

// --------------------------------------------------------------------------
// Sentinels (compare with errors.Is)
// --------------------------------------------------------------------------

var (
	ErrInternal               = NewError(RetCInternalError, "internal error")
	ErrInvalid                = NewError(RetCInvalidOperation, "invalid operation")
	ErrConflict               = NewError(RetCConflict, "conflict")
	ErrNotBorrowed            = NewError(RetCNotBorrowed, "record is not borrowed by this client")
	ErrNotHolder              = NewError(RetCNotHolder, "client is not the holder of the borrow")
	ErrReleased               = NewError(RetCReleased, "record is released")
	ErrSchemaIncompatible     = NewError(RetCSchemaIncompatible, "schema version incompatible")
	ErrRangeExhausted         = NewError(RetCRangeExhausted, "key range exhausted")
	ErrServerIdentityMismatch = NewError(RetCServerIdentityMismatch, "server identity mismatch")
	ErrTimeout                = NewError(RetCTimeout, "timeout")
	ErrStorageIO              = NewError(RetCStorageIO, "storage io error")
	ErrNotFound               = NewError(RetCNotFound, "not found")
	ErrWrongTree              = NewError(RetCWrongTree, "key belongs to another tree")
	ErrNotOwner               = NewError(RetCNotOwner, "id outside the ranges granted to the client")
)
