// Package dberrors defines the error kind taxonomy shared across the
// storage and engine packages. Errors are plain sentinel values wrapped
// with fmt.Errorf("%w", ...) at the call site, matched with errors.Is,
// not a parallel exception hierarchy.
package dberrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for presentation by external collaborators
// (CLI/HTTP status mapping). The core never formats for presentation,
// it only tags.
type Kind int

const (
	KindUnknown Kind = iota
	KindParse
	KindSchema
	KindConstraint
	KindTransaction
	KindLock
	KindStorage
	KindNotImplemented
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "ParseError"
	case KindSchema:
		return "SchemaError"
	case KindConstraint:
		return "ConstraintError"
	case KindTransaction:
		return "TransactionError"
	case KindLock:
		return "LockError"
	case KindStorage:
		return "StorageError"
	case KindNotImplemented:
		return "NotImplemented"
	case KindFatal:
		return "FatalError"
	default:
		return "UnknownError"
	}
}

// Sentinel errors. Wrap with fmt.Errorf("context %q: %w", name, Err...)
// at the call site; callers match with errors.Is.
var (
	// ParseError
	ErrParse = errors.New("parse error")

	// SchemaError
	ErrUnknownTable  = errors.New("unknown table")
	ErrUnknownIndex  = errors.New("unknown index")
	ErrUnknownColumn = errors.New("unknown column")
	ErrDuplicate     = errors.New("duplicate")
	ErrInvalidType   = errors.New("invalid type")

	// ConstraintError
	ErrNotNull              = errors.New("not null violation")
	ErrUniqueViolation      = errors.New("unique violation")
	ErrPrimaryKeyViolation  = errors.New("primary key violation")
	ErrForeignKeyViolation  = errors.New("foreign key violation")
	ErrCheckViolation       = errors.New("check violation")

	// TransactionError
	ErrTxnInactive = errors.New("transaction is not active")
	ErrTxnAborted  = errors.New("transaction already aborted")

	// LockError
	ErrLockTimeout   = errors.New("lock wait timed out")
	ErrLockCancelled = errors.New("lock wait cancelled")

	// StorageError
	ErrIO           = errors.New("io error")
	ErrFileNotFound = errors.New("file not found")
	ErrPageNotFound = errors.New("page not found")
	ErrBufferFull   = errors.New("buffer pool full")
	ErrCorruption   = errors.New("corrupt record")
	ErrKeyNotFound  = errors.New("key not found")

	// NotImplemented
	ErrNotImplemented = errors.New("not implemented")

	// Fatal — WAL append failure, surfaced to the engine owner rather
	// than the calling statement.
	ErrFatal = errors.New("fatal engine error")
)

var kindOf = map[error]Kind{
	ErrParse:               KindParse,
	ErrUnknownTable:        KindSchema,
	ErrUnknownIndex:        KindSchema,
	ErrUnknownColumn:       KindSchema,
	ErrDuplicate:           KindSchema,
	ErrInvalidType:         KindSchema,
	ErrNotNull:             KindConstraint,
	ErrUniqueViolation:     KindConstraint,
	ErrPrimaryKeyViolation: KindConstraint,
	ErrForeignKeyViolation: KindConstraint,
	ErrCheckViolation:      KindConstraint,
	ErrTxnInactive:         KindTransaction,
	ErrTxnAborted:          KindTransaction,
	ErrLockTimeout:         KindLock,
	ErrLockCancelled:       KindLock,
	ErrIO:                  KindStorage,
	ErrFileNotFound:        KindStorage,
	ErrPageNotFound:        KindStorage,
	ErrBufferFull:          KindStorage,
	ErrCorruption:          KindStorage,
	ErrKeyNotFound:         KindStorage,
	ErrNotImplemented:      KindNotImplemented,
	ErrFatal:               KindFatal,
}

// KindOf walks err's Unwrap chain against the known sentinels and
// returns the first match, or KindUnknown.
func KindOf(err error) Kind {
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Wrap annotates err with a quoted name, preserving errors.Is matching.
func Wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%q: %w", name, err)
}
