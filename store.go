package mailstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/mailstore/errors"
)

// MessageStore provides read access to stored messages.
// Used by pop3d for message retrieval.
type MessageStore interface {
	// List returns message metadata for a mailbox.
	List(ctx context.Context, mailbox string) ([]MessageInfo, error)

	// Retrieve returns the full message content.
	// The caller is responsible for closing the returned ReadCloser.
	Retrieve(ctx context.Context, mailbox string, uid string) (io.ReadCloser, error)

	// Delete marks a message for deletion.
	// The message is not permanently removed until Expunge is called.
	Delete(ctx context.Context, mailbox string, uid string) error

	// Expunge permanently removes all messages marked for deletion.
	Expunge(ctx context.Context, mailbox string) error

	// Stat returns mailbox statistics.
	// count is the number of messages, totalBytes is the sum of all message sizes.
	Stat(ctx context.Context, mailbox string) (count int, totalBytes int64, err error)
}

// MessageInfo contains metadata about a stored message.
type MessageInfo struct {
	// UID is the message's IMAP UID in decimal.
	UID string

	// Size is the RFC 822 size in bytes.
	Size int64

	// Flags contains message flags (e.g., "\Seen", "\Answered").
	Flags []string
}

// Store serves mailboxes addressed by user name under a base directory,
// all of one driver type. Each call opens and closes its own stream, so
// two Stores on the same base path see each other's changes.
//
// Deletions are held by the Store until Expunge, like a POP3 session.
type Store struct {
	driver   Driver
	basePath string
	subpath  string
	template string
	opts     OpenOptions
	log      *slog.Logger

	// deleted tracks messages marked for deletion per mailbox path.
	deletedMu sync.Mutex
	deleted   map[string]map[imap.UID]bool
}

// OpenStore builds a Store for cfg using the driver registered under cfg.Type.
// opts supplies the logger, metrics and callbacks; settings in cfg.Options
// override its lock and readonly fields.
func (r *Registry) OpenStore(cfg StoreConfig, opts OpenOptions) (*Store, error) {
	d, err := r.Lookup(cfg.Type)
	if err != nil {
		return nil, err
	}
	if cfg.BasePath == "" {
		return nil, errors.ErrStoreConfigInvalid
	}
	fromCfg, err := cfg.OpenOptions()
	if err != nil {
		return nil, err
	}
	opts.ReadOnly = opts.ReadOnly || fromCfg.ReadOnly
	if fromCfg.LockTimeout > 0 {
		opts.LockTimeout = fromCfg.LockTimeout
	}
	if fromCfg.StaleLockAge > 0 {
		opts.StaleLockAge = fromCfg.StaleLockAge
	}
	if fromCfg.KeywordCapacity > 0 {
		opts.KeywordCapacity = fromCfg.KeywordCapacity
	}
	if fromCfg.LockDir != "" {
		opts.LockDir = fromCfg.LockDir
	}
	opts = opts.WithDefaults()

	subpath := cfg.Options["mailbox_subpath"]
	if subpath == "" {
		subpath = cfg.Options["maildir_subdir"]
	}
	return &Store{
		driver:   d,
		basePath: cfg.BasePath,
		subpath:  subpath,
		template: cfg.Options["path_template"],
		opts:     opts,
		log:      opts.Logger.With(slog.String("store", d.Name())),
		deleted:  make(map[string]map[imap.UID]bool),
	}, nil
}

// Driver returns the driver the store uses.
func (s *Store) Driver() Driver { return s.driver }

// splitEmail splits an email address into localpart and domain.
// If the email doesn't contain @, localpart is the entire input and domain is empty.
func splitEmail(email string) (localpart, domain string) {
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return email[:idx], email[idx+1:]
	}
	return email, ""
}

// expandMailbox applies the path template to a mailbox name.
// Template variables: {domain}, {localpart}, {email}
func (s *Store) expandMailbox(mailbox string) string {
	if s.template == "" {
		return mailbox
	}
	localpart, domain := splitEmail(mailbox)
	r := strings.NewReplacer("{domain}", domain, "{localpart}", localpart, "{email}", mailbox)
	return r.Replace(s.template)
}

// MailboxPath returns the filesystem path for a mailbox name. Names that
// resolve to the base path itself or outside it are rejected.
func (s *Store) MailboxPath(mailbox string) (string, error) {
	return s.mailboxPath(mailbox)
}

func (s *Store) mailboxPath(mailbox string) (string, error) {
	candidate := filepath.Join(s.basePath, s.expandMailbox(mailbox), s.subpath)

	cleanBase := filepath.Clean(s.basePath)
	cleanCandidate := filepath.Clean(candidate)

	// Add separator to prevent prefix matching (e.g., /base-other matching /base)
	if cleanCandidate == cleanBase ||
		!strings.HasPrefix(cleanCandidate+string(filepath.Separator), cleanBase+string(filepath.Separator)) {
		return "", errors.ErrPathTraversal
	}
	return cleanCandidate, nil
}

// withMailbox opens the mailbox for one call and closes it afterwards,
// writing back flag changes. found is false when the mailbox does not exist.
func (s *Store) withMailbox(ctx context.Context, mailbox string, fn func(path string, mb Mailbox) error) (found bool, err error) {
	path, err := s.mailboxPath(mailbox)
	if err != nil {
		return false, err
	}
	if !s.driver.Valid(path) {
		return false, nil
	}
	mb, err := s.driver.Open(ctx, path, s.opts)
	if err != nil {
		return true, err
	}
	if err := fn(path, mb); err != nil {
		_ = mb.Close(ctx, CloseOptions{Discard: true})
		return true, err
	}
	return true, mb.Close(ctx, CloseOptions{})
}

func (s *Store) isDeleted(path string, uid imap.UID) bool {
	s.deletedMu.Lock()
	defer s.deletedMu.Unlock()
	return s.deleted[path][uid]
}

// visible reports whether message seq is listed: not flagged deleted on
// disk and not deleted in this store.
func (s *Store) visible(path string, e Entry) bool {
	return !e.Flags.Has(FlagDeleted) && !s.isDeleted(path, e.UID)
}

// findUID returns the message number with the given decimal UID.
func findUID(mb Mailbox, uid string) (int, Entry, error) {
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil || n == 0 {
		return 0, Entry{}, errors.ErrMessageNotFound
	}
	for seq := 1; seq <= mb.Count(); seq++ {
		if e := mb.Entry(seq); e.UID == imap.UID(n) {
			return seq, e, nil
		}
	}
	return 0, Entry{}, errors.ErrMessageNotFound
}

func flagNames(f Flags) []string {
	names := (f &^ FlagRecent).IMAP()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// List implements MessageStore. A mailbox that does not exist yet is empty.
func (s *Store) List(ctx context.Context, mailbox string) ([]MessageInfo, error) {
	var result []MessageInfo
	_, err := s.withMailbox(ctx, mailbox, func(path string, mb Mailbox) error {
		result = make([]MessageInfo, 0, mb.Count())
		for seq := 1; seq <= mb.Count(); seq++ {
			e := mb.Entry(seq)
			if !s.visible(path, e) {
				continue
			}
			result = append(result, MessageInfo{
				UID:   strconv.FormatUint(uint64(e.UID), 10),
				Size:  e.Size,
				Flags: flagNames(e.Flags),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Retrieve implements MessageStore.
func (s *Store) Retrieve(ctx context.Context, mailbox string, uid string) (io.ReadCloser, error) {
	var data []byte
	found, err := s.withMailbox(ctx, mailbox, func(path string, mb Mailbox) error {
		seq, e, err := findUID(mb, uid)
		if err != nil {
			return err
		}
		if !s.visible(path, e) {
			return errors.ErrMessageDeleted
		}
		data, err = mb.FetchBody(seq)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.ErrMailboxNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements MessageStore. The message stays on disk, and visible
// to other stores, until Expunge.
func (s *Store) Delete(ctx context.Context, mailbox string, uid string) error {
	found, err := s.withMailbox(ctx, mailbox, func(path string, mb Mailbox) error {
		_, e, err := findUID(mb, uid)
		if err != nil {
			return err
		}
		s.deletedMu.Lock()
		defer s.deletedMu.Unlock()
		if s.deleted[path] == nil {
			s.deleted[path] = make(map[imap.UID]bool)
		}
		s.deleted[path][e.UID] = true
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.ErrMessageNotFound
	}
	return nil
}

// Expunge implements MessageStore. It removes the messages deleted through
// this store together with any already flagged deleted on disk.
func (s *Store) Expunge(ctx context.Context, mailbox string) error {
	removed := 0
	_, err := s.withMailbox(ctx, mailbox, func(path string, mb Mailbox) error {
		for seq := 1; seq <= mb.Count(); seq++ {
			if !s.isDeleted(path, mb.Entry(seq).UID) {
				continue
			}
			if err := mb.SetFlags(seq, FlagDeleted, nil); err != nil {
				return fmt.Errorf("mark message %d deleted: %w", seq, err)
			}
		}
		n, err := mb.Expunge(ctx)
		if err != nil {
			return err
		}
		removed = n
		s.deletedMu.Lock()
		delete(s.deleted, path)
		s.deletedMu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("mailbox expunged", slog.String("mailbox", mailbox), slog.Int("removed", removed))
	return nil
}

// Stat implements MessageStore, counting only listed messages.
func (s *Store) Stat(ctx context.Context, mailbox string) (int, int64, error) {
	var count int
	var total int64
	_, err := s.withMailbox(ctx, mailbox, func(path string, mb Mailbox) error {
		for seq := 1; seq <= mb.Count(); seq++ {
			e := mb.Entry(seq)
			if !s.visible(path, e) {
				continue
			}
			count++
			total += e.Size
		}
		return nil
	})
	return count, total, err
}
