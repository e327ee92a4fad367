package mbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// Checkpoint writes every pending flag change to disk, keeping all
// messages, and returns the new mailbox size. A clean stream is left
// alone and 0 is returned.
func (s *Stream) Checkpoint(ctx context.Context) (int64, error) {
	n, _, err := s.rewrite(ctx, false)
	return n, err
}

// Expunge removes every message flagged deleted and returns how many
// were removed. Callbacks.Expunged fires for each, highest number first.
func (s *Stream) Expunge(ctx context.Context) (int, error) {
	_, removed, err := s.rewrite(ctx, true)
	return removed, err
}

// countingWriter counts the bytes handed to w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

func (s *Stream) rewrite(ctx context.Context, expunge bool) (int64, int, error) {
	if err := s.writable(); err != nil {
		return 0, 0, err
	}
	g, err := s.lock(ctx, true)
	if err != nil {
		return 0, 0, err
	}
	defer g.release()

	// Mail delivered since the last ping must survive the rewrite.
	if err := s.parse(); err != nil {
		return 0, 0, err
	}

	deleted := 0
	if expunge {
		for _, m := range s.msgs {
			if m.flags.Has(mailstore.FlagDeleted) {
				deleted++
			}
		}
	}
	if !s.dirty && deleted == 0 {
		return 0, 0, nil
	}

	kind := "checkpoint"
	if expunge {
		kind = "expunge"
	}
	start := time.Now()
	written, err := s.swap(deleted > 0)
	s.opts.Metrics.ObserveRewrite(kind, err, written, time.Since(start))
	if err != nil {
		return 0, 0, err
	}
	s.opts.Metrics.AddExpunged(deleted)
	s.log.Info("mailbox rewritten",
		slog.String("kind", kind),
		slog.Int64("bytes", written),
		slog.Int("expunged", deleted),
		slog.Int("count", len(s.msgs)))
	return written, deleted, nil
}

// swap builds the replacement mailbox in a scratch file, verifies it,
// saves the original bytes for undo and copies the replacement over the
// live file. The cache is only updated once the live file is replaced.
func (s *Stream) swap(dropDeleted bool) (int64, error) {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)

	scratch, err := os.CreateTemp(dir, "."+base+".new-*")
	if err != nil {
		return 0, fmt.Errorf("create scratch file: %w", err)
	}
	defer removeTemp(scratch)

	keep := make([]*message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if dropDeleted && m.flags.Has(mailstore.FlagDeleted) {
			continue
		}
		keep = append(keep, m)
	}

	layout, newSize, err := s.build(scratch, keep)
	if err != nil {
		return 0, err
	}

	origSize := s.lastSize
	undo, err := os.CreateTemp(dir, "."+base+".old-*")
	if err != nil {
		return 0, fmt.Errorf("create undo file: %w", err)
	}
	defer removeTemp(undo)
	if n, err := io.Copy(undo, io.NewSectionReader(s.file, 0, origSize)); err != nil || n != origSize {
		if err == nil {
			err = errors.ErrRewriteSizeMismatch
		}
		return 0, fmt.Errorf("save original mailbox: %w", err)
	}

	for {
		err := s.writeBack(s.file, scratch, newSize)
		if err == nil {
			break
		}
		s.log.Error("mailbox write failed", slog.Any("error", err))
		if s.opts.Callbacks.DecideDiskError(err, true) == mailstore.DiskRetry {
			continue
		}
		restoreErr := copyBack(s.file, undo, origSize)
		if restoreErr != nil {
			s.log.Error("restoring mailbox failed", slog.Any("error", restoreErr))
		}
		return 0, &errors.DiskError{Path: s.path, Restored: restoreErr == nil, Err: err}
	}
	if err := s.file.Sync(); err != nil {
		s.log.Warn("sync failed", slog.Any("error", err))
	}

	// The live file now holds the new layout; bring the cache in line.
	for i := len(s.msgs); i >= 1; i-- {
		if dropDeleted && s.msgs[i-1].flags.Has(mailstore.FlagDeleted) {
			s.opts.Callbacks.NotifyExpunged(i)
		}
	}
	for i, m := range keep {
		m.rng = layout[i].rng
		m.rawHeader = layout[i].rawHeader
		m.delimiter = layout[i].delimiter
		m.dirty = false
	}
	s.msgs = keep
	s.dirty = false

	s.touch()
	fi, err := s.file.Stat()
	if err != nil {
		return newSize, fmt.Errorf("stat mailbox: %w", err)
	}
	s.lastSize, s.lastMtime = fi.Size(), fi.ModTime()
	return newSize, nil
}

// placed is where build put one message.
type placed struct {
	rng       Range
	rawHeader []byte
	delimiter []byte
}

// build writes the pseudo-message and every kept message to f and checks
// that the file agrees with the byte count.
func (s *Stream) build(f *os.File, keep []*message) ([]placed, int64, error) {
	bw := bufio.NewWriter(f)
	cw := &countingWriter{w: bw}
	layout := make([]placed, len(keep))

	st := uidState{validity: s.uidValidity, last: s.uidLast, keywords: s.keywords.names}
	if _, err := cw.Write(pseudoMessage(st, time.Now())); err != nil {
		return nil, 0, fmt.Errorf("write scratch: %w", err)
	}

	for i, m := range keep {
		start := cw.n
		header := append(bytes.Clone(ensureNewline(m.header)), encodeFlags(m.flags, s.keywords.decode(m.keywords), m.uid)...)

		if _, err := cw.Write(m.delimiter); err != nil {
			return nil, 0, fmt.Errorf("write scratch: %w", err)
		}
		if _, err := cw.Write(header); err != nil {
			return nil, 0, fmt.Errorf("write scratch: %w", err)
		}
		if _, err := cw.WriteString("\n"); err != nil {
			return nil, 0, fmt.Errorf("write scratch: %w", err)
		}
		body := io.NewSectionReader(s.file, m.rng.Start+m.rng.BodyOffset, m.rng.BodySize)
		if n, err := io.Copy(cw, body); err != nil || n != m.rng.BodySize {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, 0, fmt.Errorf("copy body of uid %d: %w", m.uid, err)
		}
		// Bodies always end in a newline before the separator line.
		if m.rng.BodySize > 0 {
			last := make([]byte, 1)
			if _, err := s.file.ReadAt(last, m.rng.Start+m.rng.BodyOffset+m.rng.BodySize-1); err == nil && last[0] != '\n' {
				if _, err := cw.WriteString("\n"); err != nil {
					return nil, 0, fmt.Errorf("write scratch: %w", err)
				}
			}
		}
		bodyEnd := cw.n
		if _, err := cw.WriteString("\n"); err != nil {
			return nil, 0, fmt.Errorf("write scratch: %w", err)
		}

		headerOffset := int64(len(m.delimiter))
		bodyOffset := headerOffset + int64(len(header)) + 1
		layout[i] = placed{
			rng: Range{
				Start:        start,
				HeaderOffset: headerOffset,
				HeaderSize:   int64(len(header)),
				BodyOffset:   bodyOffset,
				BodySize:     bodyEnd - start - bodyOffset,
			},
			rawHeader: header,
			delimiter: m.delimiter,
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, 0, fmt.Errorf("flush scratch: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, 0, fmt.Errorf("sync scratch: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat scratch: %w", err)
	}
	if fi.Size() != cw.n {
		return nil, 0, fmt.Errorf("%w: wrote %d bytes, scratch holds %d", errors.ErrRewriteSizeMismatch, cw.n, fi.Size())
	}
	return layout, cw.n, nil
}

// copyBack overwrites dst from offset zero with the first size bytes of
// src and truncates dst to size.
func copyBack(dst, src *os.File, size int64) error {
	n, err := io.Copy(io.NewOffsetWriter(dst, 0), io.NewSectionReader(src, 0, size))
	if err != nil {
		return err
	}
	if n != size {
		return io.ErrShortWrite
	}
	return dst.Truncate(size)
}

// touch moves the modification time forward so tools watching it see the
// rewrite, and leaves the access time behind it while unseen recent mail
// remains so new-mail checks still fire.
func (s *Stream) touch() {
	mtime := time.Now().Truncate(time.Second)
	if !mtime.After(s.lastMtime) {
		mtime = s.lastMtime.Truncate(time.Second).Add(time.Second)
	}
	atime := mtime
	for _, m := range s.msgs {
		if m.flags.Has(mailstore.FlagRecent) && !m.flags.Has(mailstore.FlagSeen) {
			atime = mtime.Add(-time.Second)
			break
		}
	}
	if err := os.Chtimes(s.path, atime, mtime); err != nil {
		s.log.Warn("cannot set mailbox times", slog.Any("error", err))
	}
}

func removeTemp(f *os.File) {
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
