package mailstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Driver is one storage backend in the driver table.
type Driver interface {
	// Name is the registry key, e.g. "mbox" or "maildir".
	Name() string

	// Valid reports whether name refers to an existing mailbox of this format.
	Valid(name string) bool

	// Open opens the mailbox. A writable open that cannot get write
	// ownership succeeds readonly instead.
	Open(ctx context.Context, name string, opts OpenOptions) (Mailbox, error)

	// Create makes a new, empty mailbox.
	Create(ctx context.Context, name string) error

	// Append adds a message to the mailbox without opening a stream on it.
	Append(ctx context.Context, name string, msg Message, opts OpenOptions) error
}

// Mailbox is an open stream on one mailbox. Message numbers are 1-based
// and dense; passing a number outside 1..Count() panics.
//
// A Mailbox is not safe for concurrent use.
type Mailbox interface {
	Name() string
	Count() int
	Recent() int
	ReadOnly() bool
	UIDValidity() uint32
	UIDNext() imap.UID

	// Entry returns a snapshot of the cached state of message seq.
	Entry(seq int) Entry

	// FetchHeader returns the header block without storage metadata lines.
	FetchHeader(seq int) ([]byte, error)
	// FetchText returns the body after the header block.
	FetchText(seq int) ([]byte, error)
	// FetchBody returns header and text as one RFC 822 message.
	FetchBody(seq int) ([]byte, error)
	// FetchOverview parses the common envelope fields.
	FetchOverview(seq int) (Overview, error)

	SetFlags(seq int, flags Flags, keywords []string) error
	ClearFlags(seq int, flags Flags, keywords []string) error

	// Ping looks for new mail.
	Ping(ctx context.Context) error
	// Check writes pending flag changes to disk.
	Check(ctx context.Context) error
	// Expunge removes every message flagged deleted and returns how many.
	Expunge(ctx context.Context) (int, error)
	// Copy appends the given messages to the named mailbox of the same driver.
	Copy(ctx context.Context, seqs []int, dest string) error

	Close(ctx context.Context, opts CloseOptions) error
}

// Entry is a snapshot of one cached message.
type Entry struct {
	Seq          int
	UID          imap.UID
	UIDValidity  uint32
	Flags        Flags
	Keywords     []string
	InternalDate time.Time
	// Size is the RFC 822 size with line endings counted as CRLF.
	Size  int64
	Dirty bool
}

// Overview holds envelope fields parsed from a message header.
type Overview struct {
	Date      time.Time
	Subject   string
	From      []string
	To        []string
	MessageID string
}

// Message is a message to append.
type Message struct {
	// From is the envelope sender written on the delimiter line, if the format has one.
	From     string
	Date     time.Time
	Flags    Flags
	Keywords []string
	// Raw is the full RFC 822 message.
	Raw []byte
}

// OpenOptions configure a stream.
type OpenOptions struct {
	ReadOnly bool
	// RequireWrite fails the open with errors.ErrMailboxLocked instead of
	// falling back to readonly when write ownership is unavailable.
	RequireWrite bool
	Callbacks    Callbacks
	Logger    *slog.Logger
	Metrics   *Metrics

	// LockTimeout bounds the total wait for another process's lock.
	LockTimeout time.Duration
	// StaleLockAge is the age after which an advisory lock file is taken over.
	StaleLockAge time.Duration
	// LockDir holds session ownership lock files. Defaults to os.TempDir().
	LockDir string
	// KeywordCapacity is the number of keyword slots per mailbox.
	KeywordCapacity int
}

// Defaults for OpenOptions.
const (
	DefaultLockTimeout     = 30 * time.Second
	DefaultStaleLockAge    = 5 * time.Minute
	DefaultKeywordCapacity = 26
)

// WithDefaults fills in zero fields.
func (o OpenOptions) WithDefaults() OpenOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.StaleLockAge <= 0 {
		o.StaleLockAge = DefaultStaleLockAge
	}
	if o.KeywordCapacity <= 0 {
		o.KeywordCapacity = DefaultKeywordCapacity
	}
	return o
}

// CloseOptions control what Close writes back.
type CloseOptions struct {
	// Expunge removes deleted messages before closing.
	Expunge bool
	// Discard drops pending flag changes instead of checkpointing them.
	Discard bool
}
