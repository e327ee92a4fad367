package mbox

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// Append adds msg to the end of the mbox at path without opening a
// stream on it. The message gets no UID and no O status, so the next
// stream to parse it sees it as recent and numbers it.
func Append(ctx context.Context, path string, msg mailstore.Message, opts mailstore.OpenOptions) error {
	opts = opts.WithDefaults()
	for _, kw := range msg.Keywords {
		if !mailstore.ValidKeyword(kw) {
			return errors.ErrInvalidKeyword
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.ErrMailboxNotFound
		}
		return fmt.Errorf("open mailbox: %w", err)
	}
	defer f.Close()

	g, err := acquire(ctx, path, f, true, true, opts)
	if err != nil {
		return err
	}
	defer g.release()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat mailbox: %w", err)
	}
	size := fi.Size()
	if size > 0 && !startsWithDelimiter(f) {
		return errors.ErrNotMailbox
	}

	var buf bytes.Buffer
	sep, err := separator(f, size)
	if err != nil {
		return err
	}
	buf.WriteString(sep)

	from := msg.From
	if from == "" {
		from = pseudoSender
	}
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	header, body := mailstore.SplitMessage(msg.Raw)
	header, _ = decodeHeader(header, false)

	mw := mboxlib.NewWriter(&buf)
	w, err := mw.CreateMessage(from, date.In(time.Local))
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if _, err := w.Write(ensureNewline(header)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if _, err := w.Write(encodeAppendFlags(msg.Flags, msg.Keywords)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}

	if _, err := f.WriteAt(buf.Bytes(), size); err != nil {
		if terr := f.Truncate(size); terr != nil {
			opts.Logger.Error("cannot undo partial append", slog.String("mailbox", path), slog.Any("error", terr))
		}
		return fmt.Errorf("append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync mailbox: %w", err)
	}

	// Access time behind modification time tells mail checkers there is new mail.
	now := time.Now()
	if err := os.Chtimes(path, now.Add(-time.Second), now); err != nil {
		opts.Logger.Warn("cannot set mailbox times", slog.String("mailbox", path), slog.Any("error", err))
	}
	opts.Logger.Debug("message appended", slog.String("mailbox", path), slog.Int("bytes", buf.Len()))
	return nil
}

// separator returns what must precede a new message so the file keeps a
// blank line between messages.
func separator(f *os.File, size int64) (string, error) {
	switch {
	case size == 0:
		return "", nil
	case size == 1:
		b := make([]byte, 1)
		if _, err := f.ReadAt(b, 0); err != nil {
			return "", fmt.Errorf("read mailbox tail: %w", err)
		}
		if b[0] == '\n' {
			return "\n", nil
		}
		return "\n\n", nil
	}
	tail := make([]byte, 2)
	if _, err := f.ReadAt(tail, size-2); err != nil {
		return "", fmt.Errorf("read mailbox tail: %w", err)
	}
	switch {
	case tail[0] == '\n' && tail[1] == '\n':
		return "", nil
	case tail[1] == '\n':
		return "\n", nil
	default:
		return "\n\n", nil
	}
}

// startsWithDelimiter reports whether the first line of f is a valid
// delimiter line.
func startsWithDelimiter(f io.ReaderAt) bool {
	r := bufio.NewReader(io.NewSectionReader(f, 0, 4096))
	line, err := r.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	_, ok := parseDelimiter(line)
	return ok
}

// Valid reports whether path is an mbox: a regular file that is empty or
// starts with a delimiter line.
func Valid(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if fi.Size() == 0 {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return startsWithDelimiter(f)
}

// Create makes a new, empty mbox at path, creating parent directories.
func Create(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create mailbox directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if stderrors.Is(err, fs.ErrExist) {
			return errors.ErrMailboxExists
		}
		return fmt.Errorf("create mailbox: %w", err)
	}
	return f.Close()
}
