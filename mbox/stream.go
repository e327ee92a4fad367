package mbox

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// Stream is an open mbox mailbox. It owns its cache, its file handle and
// its locks; two Streams on the same path share nothing.
//
// A Stream is not safe for concurrent use.
type Stream struct {
	path string
	file *os.File
	opts mailstore.OpenOptions
	log  *slog.Logger

	readOnly bool
	session  *sessionLock
	locked   bool

	msgs     []*message
	keywords keywordTable

	lastSize  int64
	lastMtime time.Time

	uidValidity uint32
	uidLast     imap.UID
	dirty       bool

	closed   bool
	dead     error
	warnings []string

	// writeBack copies the verified scratch file into the live mailbox.
	writeBack func(dst, src *os.File, size int64) error
}

// Open opens the mbox at path. Unless opts.ReadOnly is set it tries to
// take write ownership; if another process owns the mailbox or holds its
// advisory lock the stream is opened readonly with a warning.
func Open(ctx context.Context, path string, opts mailstore.OpenOptions) (*Stream, error) {
	opts = opts.WithDefaults()
	s := &Stream{
		path:      path,
		opts:      opts,
		log:       opts.Logger.With(slog.String("mailbox", path)),
		readOnly:  opts.ReadOnly,
		keywords:  newKeywordTable(opts.KeywordCapacity),
		writeBack: copyBack,
	}

	flag := os.O_RDWR
	if s.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil && !s.readOnly && stderrors.Is(err, fs.ErrPermission) && !opts.RequireWrite {
		s.warn("no write permission, opening readonly")
		s.readOnly = true
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	s.file = f

	if !s.readOnly {
		sl, err := trySessionLock(f, opts.LockDir)
		if err != nil {
			s.warn("cannot take mailbox ownership: " + err.Error())
		}
		switch {
		case sl != nil:
			s.session = sl
			opts.Metrics.ObserveLock("session", "acquired")
		case opts.RequireWrite:
			opts.Metrics.ObserveLock("session", "busy")
			_ = f.Close()
			return nil, errors.ErrMailboxLocked
		default:
			opts.Metrics.ObserveLock("session", "busy")
			s.warn("mailbox is in use by another session, opening readonly")
			s.readOnly = true
		}
	}

	err = s.ping(ctx)
	if stderrors.Is(err, errors.ErrMailboxLocked) && !s.readOnly && !opts.RequireWrite {
		s.warn("mailbox is locked by another process, opening readonly")
		if uerr := s.session.Unlock(); uerr != nil {
			s.log.Warn("session unlock failed", slog.Any("error", uerr))
		}
		s.session = nil
		s.readOnly = true
		err = s.ping(ctx)
	}
	if err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// Name returns the mailbox path.
func (s *Stream) Name() string { return s.path }

// Count returns the number of visible messages.
func (s *Stream) Count() int { return len(s.msgs) }

// Recent returns the number of messages flagged recent.
func (s *Stream) Recent() int {
	n := 0
	for _, m := range s.msgs {
		if m.flags.Has(mailstore.FlagRecent) {
			n++
		}
	}
	return n
}

// ReadOnly reports whether the stream can change the mailbox.
func (s *Stream) ReadOnly() bool { return s.readOnly }

// Dirty reports whether flag changes are waiting for a checkpoint.
func (s *Stream) Dirty() bool { return s.dirty }

// UIDValidity returns the current UID validity generation.
func (s *Stream) UIDValidity() uint32 { return s.uidValidity }

// UIDNext returns the UID the next new message will get.
func (s *Stream) UIDNext() imap.UID { return s.uidLast + 1 }

// Warnings returns non-fatal problems seen since the stream was opened.
func (s *Stream) Warnings() []string { return s.warnings }

// Keywords returns the mailbox keyword table in slot order.
func (s *Stream) Keywords() []string { return append([]string(nil), s.keywords.names...) }

// Entry returns a snapshot of message seq.
func (s *Stream) Entry(seq int) mailstore.Entry {
	return s.entry(seq, s.mustSeq(seq))
}

// Range returns the byte range of message seq in the file.
func (s *Stream) Range(seq int) Range {
	return s.mustSeq(seq).rng
}

// mustSeq returns message seq. An out of range number means the caller
// and the stream disagree about the mailbox, which is a bug.
func (s *Stream) mustSeq(seq int) *message {
	if seq < 1 || seq > len(s.msgs) {
		panic(fmt.Sprintf("mbox: message number %d out of range 1..%d", seq, len(s.msgs)))
	}
	return s.msgs[seq-1]
}

// usable returns the error that stops a closed or aborted stream.
func (s *Stream) usable() error {
	if s.closed {
		return errors.ErrStreamClosed
	}
	return s.dead
}

func (s *Stream) writable() error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.readOnly {
		return errors.ErrReadOnly
	}
	return nil
}

func (s *Stream) warn(msg string) {
	s.warnings = append(s.warnings, msg)
	s.log.Warn(msg)
}

// abort kills the stream after corruption. No partial cache survives.
func (s *Stream) abort(err error) error {
	s.dead = err
	s.msgs = nil
	s.log.Error("mailbox aborted", slog.Any("error", err))
	return err
}

// lock brackets one operation on the file. Readonly streams take only a
// shared kernel lock; writers take the advisory lock first.
func (s *Stream) lock(ctx context.Context, exclusive bool) (*lockGuard, error) {
	if s.locked {
		panic("mbox: stream is already locked")
	}
	if exclusive && s.readOnly {
		panic("mbox: exclusive lock on a readonly stream")
	}
	g, err := acquire(ctx, s.path, s.file, exclusive, !s.readOnly, s.opts)
	if err != nil {
		return nil, err
	}
	s.locked = true
	g.released = func() { s.locked = false }
	return g, nil
}

// body reads the body of m from the live file.
func (s *Stream) body(m *message) ([]byte, error) {
	buf := make([]byte, m.rng.BodySize)
	sr := io.NewSectionReader(s.file, m.rng.Start+m.rng.BodyOffset, m.rng.BodySize)
	if _, err := io.ReadFull(sr, buf); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return buf, nil
}

// FetchHeader returns the header of message seq, ending with its blank
// line, without the codec's metadata fields.
func (s *Stream) FetchHeader(seq int) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	m := s.mustSeq(seq)
	out := append(bytes.Clone(ensureNewline(m.header)), '\n')
	return out, nil
}

// FetchText returns the body of message seq.
func (s *Stream) FetchText(seq int) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.body(s.mustSeq(seq))
}

// FetchBody returns the whole message seq: header, blank line, body.
func (s *Stream) FetchBody(seq int) ([]byte, error) {
	hdr, err := s.FetchHeader(seq)
	if err != nil {
		return nil, err
	}
	body, err := s.body(s.mustSeq(seq))
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

// FetchOverview parses the envelope fields of message seq.
func (s *Stream) FetchOverview(seq int) (mailstore.Overview, error) {
	hdr, err := s.FetchHeader(seq)
	if err != nil {
		return mailstore.Overview{}, err
	}
	return mailstore.ParseOverview(hdr)
}

// SetFlags adds flags and keywords to message seq. New keywords take the
// next free slot of the keyword table. Nothing is written until the next
// checkpoint.
func (s *Stream) SetFlags(seq int, flags mailstore.Flags, keywords []string) error {
	if err := s.writable(); err != nil {
		return err
	}
	m := s.mustSeq(seq)
	var fresh []string
	for _, kw := range keywords {
		if !mailstore.ValidKeyword(kw) {
			return errors.ErrInvalidKeyword
		}
		if s.keywords.index(kw) < 0 && !slices.ContainsFunc(fresh, func(n string) bool { return strings.EqualFold(n, kw) }) {
			fresh = append(fresh, kw)
		}
	}
	if !s.keywords.fits(len(fresh)) {
		return errors.ErrKeywordTableFull
	}
	var bits uint64
	for _, kw := range keywords {
		i, _ := s.keywords.intern(kw)
		bits |= 1 << uint(i)
	}
	s.mutate(seq, m, m.flags|flags&mailstore.PermanentFlags, m.keywords|bits)
	return nil
}

// ClearFlags removes flags and keywords from message seq. Unknown
// keywords are ignored.
func (s *Stream) ClearFlags(seq int, flags mailstore.Flags, keywords []string) error {
	if err := s.writable(); err != nil {
		return err
	}
	m := s.mustSeq(seq)
	var bits uint64
	for _, kw := range keywords {
		if i := s.keywords.index(kw); i >= 0 {
			bits |= 1 << uint(i)
		}
	}
	s.mutate(seq, m, m.flags&^(flags&mailstore.PermanentFlags), m.keywords&^bits)
	return nil
}

func (s *Stream) mutate(seq int, m *message, flags mailstore.Flags, keywords uint64) {
	if flags == m.flags && keywords == m.keywords {
		return
	}
	m.flags, m.keywords = flags, keywords
	m.dirty = true
	s.dirty = true
	s.opts.Callbacks.NotifyFlagsChanged(seq)
}

// Ping looks for mail appended since the last parse.
func (s *Stream) Ping(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.ping(ctx)
}

func (s *Stream) ping(ctx context.Context) error {
	g, err := s.lock(ctx, false)
	if err != nil {
		return err
	}
	defer g.release()
	return s.parse()
}

// Check writes pending changes to disk.
func (s *Stream) Check(ctx context.Context) error {
	if s.readOnly {
		return s.Ping(ctx)
	}
	_, err := s.Checkpoint(ctx)
	return err
}

// Copy appends the given messages, with their flags and dates, to the
// mbox at dest.
func (s *Stream) Copy(ctx context.Context, seqs []int, dest string) error {
	if err := s.usable(); err != nil {
		return err
	}
	for _, seq := range seqs {
		msg, err := mailstore.ExportMessage(s, seq)
		if err != nil {
			return fmt.Errorf("copy message %d: %w", seq, err)
		}
		msg.From = s.mustSeq(seq).sender
		if err := Append(ctx, dest, msg, s.opts); err != nil {
			return fmt.Errorf("copy message %d: %w", seq, err)
		}
	}
	return nil
}

// Close ends the stream. With opts.Expunge deleted messages are removed;
// otherwise pending flag changes are checkpointed unless opts.Discard is
// set. Locks are released even when the final rewrite fails.
func (s *Stream) Close(ctx context.Context, opts mailstore.CloseOptions) error {
	if s.closed {
		return errors.ErrStreamClosed
	}
	var err error
	if s.dead == nil && !s.readOnly {
		switch {
		case opts.Expunge:
			_, err = s.Expunge(ctx)
		case s.dirty && !opts.Discard:
			_, err = s.Checkpoint(ctx)
		}
	}
	s.release()
	return err
}

func (s *Stream) release() {
	if err := s.session.Unlock(); err != nil {
		s.log.Warn("session unlock failed", slog.Any("error", err))
	}
	s.session = nil
	if s.file != nil {
		_ = s.file.Close()
	}
	s.closed = true
	s.msgs = nil
}

var _ mailstore.Mailbox = (*Stream)(nil)
