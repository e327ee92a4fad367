package maildir

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-maildir"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

var subdirs = []string{"new", "cur", "tmp"}

// Valid reports whether path has the maildir structure (new, cur, tmp).
func Valid(path string) bool {
	for _, sub := range subdirs {
		info, err := os.Stat(filepath.Join(path, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// Create creates the maildir directory structure, including parents.
func Create(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if Valid(path) {
		return errors.ErrMailboxExists
	}
	// Ensure parent directories exist (needed when mailbox_subpath is set)
	if err := os.MkdirAll(path, 0700); err != nil {
		return err
	}
	return maildir.Dir(path).Init()
}

// Append writes a message to the maildir using the safe delivery process:
// tmp/ first, then a rename into new/, or into cur/ when the message
// already carries flags. The file's modification time is the internal date.
// Keywords cannot be stored and are dropped.
func Append(ctx context.Context, path string, msg mailstore.Message, opts mailstore.OpenOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !Valid(path) {
		return errors.ErrMailboxNotFound
	}
	if len(msg.Keywords) > 0 {
		opts.WithDefaults().Logger.Warn("maildir cannot store keywords, dropping them",
			slog.String("mailbox", path), slog.Any("keywords", msg.Keywords))
	}

	filename := generateFilename()
	tmpPath := filepath.Join(path, "tmp", filename)
	target := filepath.Join(path, "new", filename)
	if flags := toMaildir(msg.Flags, nil); len(flags) > 0 {
		target = filepath.Join(path, "cur", filename+":2,"+flagString(flags))
	}

	// Write to tmp directory
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, bytes.NewReader(msg.Raw))
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write message: %w", err)
	}

	if !msg.Date.IsZero() {
		if err := os.Chtimes(tmpPath, msg.Date, msg.Date); err != nil {
			opts.WithDefaults().Logger.Warn("cannot set message date", slog.String("file", tmpPath), slog.Any("error", err))
		}
	}

	// Move from tmp to new or cur
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// fromMaildir converts go-maildir flags to system flags. Flags with no
// IMAP equivalent (passed) are returned separately so they survive a
// rewrite of the filename.
func fromMaildir(flags []maildir.Flag) (mailstore.Flags, []maildir.Flag) {
	var result mailstore.Flags
	var extra []maildir.Flag
	for _, f := range flags {
		switch f {
		case maildir.FlagSeen:
			result |= mailstore.FlagSeen
		case maildir.FlagReplied:
			result |= mailstore.FlagAnswered
		case maildir.FlagFlagged:
			result |= mailstore.FlagFlagged
		case maildir.FlagDraft:
			result |= mailstore.FlagDraft
		case maildir.FlagTrashed:
			result |= mailstore.FlagDeleted
		default:
			extra = append(extra, f)
		}
	}
	return result, extra
}

// toMaildir converts system flags plus any extra flags to go-maildir
// flags in the ASCII order maildir filenames use.
func toMaildir(flags mailstore.Flags, extra []maildir.Flag) []maildir.Flag {
	out := append([]maildir.Flag(nil), extra...)
	if flags.Has(mailstore.FlagSeen) {
		out = append(out, maildir.FlagSeen)
	}
	if flags.Has(mailstore.FlagAnswered) {
		out = append(out, maildir.FlagReplied)
	}
	if flags.Has(mailstore.FlagFlagged) {
		out = append(out, maildir.FlagFlagged)
	}
	if flags.Has(mailstore.FlagDraft) {
		out = append(out, maildir.FlagDraft)
	}
	if flags.Has(mailstore.FlagDeleted) {
		out = append(out, maildir.FlagTrashed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func flagString(flags []maildir.Flag) string {
	var b strings.Builder
	for _, f := range flags {
		b.WriteRune(rune(f))
	}
	return b.String()
}
