// Package errors provides centralized error definitions for mailstore.
package errors

import (
	"errors"
	"fmt"
)

// Mailbox errors.
var (
	// ErrMailboxNotFound indicates the requested mailbox does not exist.
	ErrMailboxNotFound = errors.New("mailbox not found")

	// ErrMailboxExists indicates a mailbox could not be created because it already exists.
	ErrMailboxExists = errors.New("mailbox already exists")

	// ErrMailboxLocked indicates the mailbox is locked by another process.
	ErrMailboxLocked = errors.New("mailbox locked")

	// ErrNotMailbox indicates the file exists but is not in a format the driver understands.
	ErrNotMailbox = errors.New("not a mailbox")

	// ErrReadOnly indicates a mutating operation on a stream opened readonly.
	ErrReadOnly = errors.New("mailbox is readonly")

	// ErrStreamClosed indicates an operation on a closed or aborted stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrPathTraversal indicates a mailbox name resolved outside the store base path.
	ErrPathTraversal = errors.New("mailbox path escapes base path")
)

// Message errors.
var (
	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageDeleted indicates the message has been marked for deletion.
	ErrMessageDeleted = errors.New("message deleted")

	// ErrKeywordTableFull indicates no free keyword slot is left in the mailbox.
	ErrKeywordTableFull = errors.New("keyword table full")

	// ErrInvalidKeyword indicates a keyword name that cannot be stored.
	ErrInvalidKeyword = errors.New("invalid keyword")

	// ErrKeywordsUnsupported indicates the backend cannot persist keywords.
	ErrKeywordsUnsupported = errors.New("keywords not supported")
)

// Storage integrity errors.
var (
	// ErrCorrupt indicates the mailbox file changed in a way the parser cannot accept.
	ErrCorrupt = errors.New("mailbox corrupt")

	// ErrDiskIO indicates a write to the live mailbox failed.
	ErrDiskIO = errors.New("mailbox disk error")

	// ErrRewriteSizeMismatch indicates the scratch copy disagrees with the bytes written to it.
	ErrRewriteSizeMismatch = errors.New("rewrite size mismatch")
)

// Delivery errors.
var (
	// ErrNoRecipients indicates no valid recipients were provided.
	ErrNoRecipients = errors.New("no recipients")

	// ErrDeliveryFailed indicates message delivery failed.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Store errors.
var (
	// ErrStoreNotRegistered indicates the requested store type is not registered.
	ErrStoreNotRegistered = errors.New("store type not registered")

	// ErrStoreConfigInvalid indicates the store configuration is invalid.
	ErrStoreConfigInvalid = errors.New("invalid store configuration")

	// ErrNoDriver indicates no registered driver accepts the mailbox name.
	ErrNoDriver = errors.New("no driver for mailbox")
)

// CorruptionError reports a mailbox whose on-disk content broke a parser
// invariant. The stream that saw it is aborted.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: %s at offset %d: %s", ErrCorrupt, e.Path, e.Offset, e.Reason)
}

// Unwrap lets errors.Is match ErrCorrupt.
func (e *CorruptionError) Unwrap() error { return ErrCorrupt }

// DiskError reports a failed write to the live mailbox during a rewrite.
// Restored is true when the original content was put back.
type DiskError struct {
	Path     string
	Restored bool
	Err      error
}

func (e *DiskError) Error() string {
	state := "original content restored"
	if !e.Restored {
		state = "mailbox may be damaged"
	}
	return fmt.Sprintf("%s: %s (%s): %v", ErrDiskIO, e.Path, state, e.Err)
}

// Unwrap returns both the underlying cause and ErrDiskIO.
func (e *DiskError) Unwrap() []error { return []error{ErrDiskIO, e.Err} }
