// Package fsfs implements the revision filesystem: an append-only,
// content-addressed store of directory trees with delta compression,
// representation sharing, a single commit serialization point, and shard
// packing.
//
// A repository is a directory on disk. The youngest committed revision is
// published through the `current` file; revisions below it are immutable.
// All mutation of committed state happens under the repository write lock.
package fsfs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for callers.
type Kind uint8

// Error kinds surfaced by the engine.
const (
	KindUnsupportedFormat Kind = iota + 1
	KindNoSuchRevision
	KindCorrupt
	KindConflict
	KindLocked
	KindAlreadyExists
	KindNotFound
	KindCanceled
	KindIO
)

// String returns the stable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnsupportedFormat:
		return "UNSUPPORTED_FORMAT"
	case KindNoSuchRevision:
		return "NO_SUCH_REVISION"
	case KindCorrupt:
		return "CORRUPT"
	case KindConflict:
		return "CONFLICT"
	case KindLocked:
		return "LOCKED"
	case KindAlreadyExists:
		return "ALREADY_EXISTS"
	case KindNotFound:
		return "NOT_FOUND"
	case KindCanceled:
		return "CANCELED"
	case KindIO:
		return "IO"
	default:
		return "UNKNOWN"
	}
}

// Error is a structured engine error: a kind tag, a message, and an
// optional wrapped cause reachable through errors.Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from an error chain, or 0 when the chain holds
// no engine error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsKind reports whether the error chain contains an engine error of the
// given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func newErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapErrorf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func corruptf(format string, args ...interface{}) *Error {
	return newErrorf(KindCorrupt, format, args...)
}

func ioWrap(err error, format string, args ...interface{}) *Error {
	return wrapErrorf(KindIO, err, format, args...)
}

func noSuchRevision(rev Revision) *Error {
	return newErrorf(KindNoSuchRevision, "no such revision %d", rev)
}

func notFoundf(format string, args ...interface{}) *Error {
	return newErrorf(KindNotFound, format, args...)
}
