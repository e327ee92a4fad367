package maildir

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-maildir"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// message is the cached state of one maildir file.
type message struct {
	key      string
	uid      imap.UID
	flags    mailstore.Flags
	extra    []maildir.Flag // flags with no IMAP equivalent, kept as found
	date     time.Time
	size     int64
	filename string
	dirty    bool
}

// Mailbox is an open maildir. UIDs come from the mailstore-uidlist file,
// which only the stream owning the maildir writes.
//
// A Mailbox is not safe for concurrent use.
type Mailbox struct {
	path     string
	dir      maildir.Dir
	opts     mailstore.OpenOptions
	log      *slog.Logger
	readOnly bool
	owner    *ownerLock
	uids     *uidList
	msgs     []*message
	closed   bool
}

// Open opens the maildir at path. A writable open that finds the maildir
// owned by another stream is downgraded to readonly.
func Open(ctx context.Context, path string, opts mailstore.OpenOptions) (*Mailbox, error) {
	opts = opts.WithDefaults()
	if !Valid(path) {
		return nil, errors.ErrMailboxNotFound
	}
	mb := &Mailbox{
		path:     path,
		dir:      maildir.Dir(path),
		opts:     opts,
		log:      opts.Logger.With(slog.String("mailbox", path)),
		readOnly: opts.ReadOnly,
	}

	if !mb.readOnly {
		owner, err := tryOwnerLock(path)
		switch {
		case err != nil:
			return nil, err
		case owner != nil:
			mb.owner = owner
			opts.Metrics.ObserveLock("session", "acquired")
		case opts.RequireWrite:
			opts.Metrics.ObserveLock("session", "busy")
			return nil, errors.ErrMailboxLocked
		default:
			opts.Metrics.ObserveLock("session", "busy")
			mb.log.Warn("maildir is in use by another session, opening readonly")
			mb.readOnly = true
		}
	}

	uids, err := loadUIDList(path)
	switch {
	case uids == nil:
		mb.release()
		return nil, fmt.Errorf("load uid list: %w", err)
	case err != nil:
		mb.log.Warn("uid list damaged, starting a new validity generation", slog.Any("error", err))
	}
	mb.uids = uids

	if err := mb.Ping(ctx); err != nil {
		mb.release()
		return nil, err
	}
	return mb, nil
}

func (mb *Mailbox) Name() string        { return mb.path }
func (mb *Mailbox) Count() int          { return len(mb.msgs) }
func (mb *Mailbox) ReadOnly() bool      { return mb.readOnly }
func (mb *Mailbox) UIDValidity() uint32 { return mb.uids.validity }
func (mb *Mailbox) UIDNext() imap.UID   { return mb.uids.next }

// Recent counts messages that were in new/ when this stream found them.
func (mb *Mailbox) Recent() int {
	n := 0
	for _, m := range mb.msgs {
		if m.flags.Has(mailstore.FlagRecent) {
			n++
		}
	}
	return n
}

func (mb *Mailbox) mustSeq(seq int) *message {
	if seq < 1 || seq > len(mb.msgs) {
		panic(fmt.Sprintf("maildir: message number %d out of range 1..%d", seq, len(mb.msgs)))
	}
	return mb.msgs[seq-1]
}

// Entry returns a snapshot of message seq.
func (mb *Mailbox) Entry(seq int) mailstore.Entry {
	m := mb.mustSeq(seq)
	return mailstore.Entry{
		Seq:          seq,
		UID:          m.uid,
		UIDValidity:  mb.uids.validity,
		Flags:        m.flags,
		InternalDate: m.date,
		Size:         m.size,
		Dirty:        m.dirty,
	}
}

func (mb *Mailbox) usable() error {
	if mb.closed {
		return errors.ErrStreamClosed
	}
	return nil
}

func (mb *Mailbox) writable() error {
	if err := mb.usable(); err != nil {
		return err
	}
	if mb.readOnly {
		return errors.ErrReadOnly
	}
	return nil
}

// read returns the file content of m, following a rename by another
// session that changed its flags.
func (mb *Mailbox) read(m *message) ([]byte, error) {
	data, err := os.ReadFile(m.filename)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	msg, lerr := mb.dir.MessageByKey(m.key)
	if lerr != nil {
		return nil, errors.ErrMessageNotFound
	}
	m.filename = msg.Filename()
	return os.ReadFile(m.filename)
}

// FetchHeader returns the header of message seq, ending with its blank line.
func (mb *Mailbox) FetchHeader(seq int) ([]byte, error) {
	if err := mb.usable(); err != nil {
		return nil, err
	}
	data, err := mb.read(mb.mustSeq(seq))
	if err != nil {
		return nil, err
	}
	header, _ := mailstore.SplitMessage(data)
	if bytes.HasSuffix(header, []byte("\r\n")) {
		return append(bytes.Clone(header), '\r', '\n'), nil
	}
	return append(bytes.Clone(header), '\n'), nil
}

// FetchText returns the body of message seq.
func (mb *Mailbox) FetchText(seq int) ([]byte, error) {
	if err := mb.usable(); err != nil {
		return nil, err
	}
	data, err := mb.read(mb.mustSeq(seq))
	if err != nil {
		return nil, err
	}
	_, body := mailstore.SplitMessage(data)
	return body, nil
}

// FetchBody returns the file content of message seq.
func (mb *Mailbox) FetchBody(seq int) ([]byte, error) {
	if err := mb.usable(); err != nil {
		return nil, err
	}
	return mb.read(mb.mustSeq(seq))
}

// FetchOverview parses the envelope fields of message seq.
func (mb *Mailbox) FetchOverview(seq int) (mailstore.Overview, error) {
	hdr, err := mb.FetchHeader(seq)
	if err != nil {
		return mailstore.Overview{}, err
	}
	return mailstore.ParseOverview(hdr)
}

// SetFlags adds system flags to message seq. Maildir filenames cannot
// carry keywords.
func (mb *Mailbox) SetFlags(seq int, flags mailstore.Flags, keywords []string) error {
	if err := mb.writable(); err != nil {
		return err
	}
	if len(keywords) > 0 {
		return errors.ErrKeywordsUnsupported
	}
	m := mb.mustSeq(seq)
	mb.mutate(seq, m, m.flags|flags&mailstore.PermanentFlags)
	return nil
}

// ClearFlags removes system flags from message seq. Keywords are ignored.
func (mb *Mailbox) ClearFlags(seq int, flags mailstore.Flags, _ []string) error {
	if err := mb.writable(); err != nil {
		return err
	}
	m := mb.mustSeq(seq)
	mb.mutate(seq, m, m.flags&^(flags&mailstore.PermanentFlags))
	return nil
}

func (mb *Mailbox) mutate(seq int, m *message, flags mailstore.Flags) {
	if flags == m.flags {
		return
	}
	m.flags = flags
	m.dirty = true
	mb.opts.Callbacks.NotifyFlagsChanged(seq)
}

// Ping picks up delivered mail and drops messages removed by others.
// A writable stream moves new/ to cur/; those messages are recent.
func (mb *Mailbox) Ping(ctx context.Context) error {
	if err := mb.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	recent := make(map[string]bool)
	if !mb.readOnly {
		// Unseen() moves messages from new/ to cur/ and returns them
		unseen, err := mb.dir.Unseen()
		if err != nil {
			mb.opts.Metrics.ObserveParse("error")
			return fmt.Errorf("scan new: %w", err)
		}
		for _, msg := range unseen {
			recent[msg.Key()] = true
		}
	}

	all, err := mb.dir.Messages()
	if err != nil {
		mb.opts.Metrics.ObserveParse("error")
		return fmt.Errorf("scan cur: %w", err)
	}
	present := make(map[string]*maildir.Message, len(all))
	for _, msg := range all {
		present[msg.Key()] = msg
	}

	// Messages removed behind our back are expunged, highest first.
	for i := len(mb.msgs); i >= 1; i-- {
		m := mb.msgs[i-1]
		msg, ok := present[m.key]
		if !ok {
			mb.opts.Callbacks.NotifyExpunged(i)
			mb.msgs = append(mb.msgs[:i-1], mb.msgs[i:]...)
			mb.forget(m.key)
			continue
		}
		m.filename = msg.Filename()
		delete(present, m.key)
	}

	var added []*message
	for key, msg := range present {
		m, err := mb.load(msg)
		if err != nil {
			mb.log.Warn("skipping unreadable message", slog.String("key", key), slog.Any("error", err))
			continue
		}
		if recent[key] {
			m.flags |= mailstore.FlagRecent
		}
		added = append(added, m)
	}
	mb.number(added)

	mb.msgs = append(mb.msgs, added...)
	sort.SliceStable(mb.msgs, func(i, j int) bool { return mb.msgs[i].uid < mb.msgs[j].uid })
	mb.opts.Metrics.ObserveParse("ok")

	if len(added) > 0 {
		mb.log.Debug("found new messages", slog.Int("new", len(added)), slog.Int("count", len(mb.msgs)))
		mb.opts.Callbacks.NotifyExists(len(mb.msgs))
	}
	return mb.saveUIDs()
}

// number gives UIDs to newly found messages: the persisted one when the
// list knows the key, otherwise the next free UID in key order.
func (mb *Mailbox) number(added []*message) {
	sort.Slice(added, func(i, j int) bool { return added[i].key < added[j].key })
	for _, m := range added {
		if uid, ok := mb.uids.lookup(m.key); ok {
			m.uid = uid
		}
	}
	for _, m := range added {
		if m.uid == 0 {
			m.uid = mb.uids.assign(m.key)
		}
	}
}

func (mb *Mailbox) forget(key string) {
	if !mb.readOnly {
		mb.uids.forget(key)
	}
}

func (mb *Mailbox) saveUIDs() error {
	if mb.readOnly {
		return nil
	}
	if err := mb.uids.save(); err != nil {
		return fmt.Errorf("save uid list: %w", err)
	}
	return nil
}

func (mb *Mailbox) load(msg *maildir.Message) (*message, error) {
	filename := msg.Filename()
	fi, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	flags, extra := fromMaildir(msg.Flags())
	return &message{
		key:      msg.Key(),
		flags:    flags,
		extra:    extra,
		date:     fi.ModTime(),
		size:     mailstore.CRLFLen(data),
		filename: filename,
	}, nil
}

// Check renames the files of messages whose flags changed.
func (mb *Mailbox) Check(ctx context.Context) error {
	if err := mb.usable(); err != nil {
		return err
	}
	if mb.readOnly {
		return mb.Ping(ctx)
	}
	for _, m := range mb.msgs {
		if !m.dirty {
			continue
		}
		msg, err := mb.dir.MessageByKey(m.key)
		if err != nil {
			return fmt.Errorf("find message %s: %w", m.key, err)
		}
		if err := msg.SetFlags(toMaildir(m.flags, m.extra)); err != nil {
			return fmt.Errorf("set flags on %s: %w", m.key, err)
		}
		m.filename = msg.Filename()
		m.dirty = false
	}
	return mb.saveUIDs()
}

// Expunge removes every message flagged deleted and returns how many.
func (mb *Mailbox) Expunge(ctx context.Context) (int, error) {
	if err := mb.writable(); err != nil {
		return 0, err
	}
	if err := mb.Check(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	removed := 0
	var lastErr error
	for i := len(mb.msgs); i >= 1; i-- {
		m := mb.msgs[i-1]
		if !m.flags.Has(mailstore.FlagDeleted) {
			continue
		}
		msg, err := mb.dir.MessageByKey(m.key)
		if err == nil {
			err = msg.Remove()
		}
		if err != nil && !os.IsNotExist(err) {
			lastErr = err
			continue
		}
		mb.opts.Callbacks.NotifyExpunged(i)
		mb.msgs = append(mb.msgs[:i-1], mb.msgs[i:]...)
		mb.forget(m.key)
		removed++
	}
	mb.opts.Metrics.ObserveRewrite("expunge", lastErr, 0, time.Since(start))
	mb.opts.Metrics.AddExpunged(removed)
	if err := mb.saveUIDs(); err != nil && lastErr == nil {
		lastErr = err
	}
	return removed, lastErr
}

// Copy appends the given messages, with their flags and dates, to the
// maildir at dest.
func (mb *Mailbox) Copy(ctx context.Context, seqs []int, dest string) error {
	if err := mb.usable(); err != nil {
		return err
	}
	for _, seq := range seqs {
		msg, err := mailstore.ExportMessage(mb, seq)
		if err != nil {
			return fmt.Errorf("copy message %d: %w", seq, err)
		}
		if err := Append(ctx, dest, msg, mb.opts); err != nil {
			return fmt.Errorf("copy message %d: %w", seq, err)
		}
	}
	return nil
}

// Close ends the stream, writing back or expunging as opts ask.
func (mb *Mailbox) Close(ctx context.Context, opts mailstore.CloseOptions) error {
	if mb.closed {
		return errors.ErrStreamClosed
	}
	var err error
	if !mb.readOnly {
		switch {
		case opts.Expunge:
			_, err = mb.Expunge(ctx)
		case !opts.Discard:
			err = mb.Check(ctx)
		}
	}
	mb.release()
	return err
}

func (mb *Mailbox) release() {
	if err := mb.owner.unlock(); err != nil {
		mb.log.Warn("owner unlock failed", slog.Any("error", err))
	}
	mb.owner = nil
	mb.closed = true
	mb.msgs = nil
}

var _ mailstore.Mailbox = (*Mailbox)(nil)
