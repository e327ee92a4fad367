package mbox

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// span is one message found in a scanned range. Offsets are into the
// scanned buffer.
type span struct {
	start       int
	delimEnd    int
	headerEnd   int
	bodyStart   int
	end         int
	headerDone  bool
	delim       delimiter
	lastLine    int // start of the most recent line
	lastIsBlank bool
}

// scanRange splits buf, which must start at a message boundary, into
// messages. A delimiter candidate is a "From " line at the start of buf
// or right after a blank line; a candidate that fails the date grammar
// makes the whole range corrupt.
func scanRange(buf []byte) ([]span, int, string) {
	var spans []span
	var cur *span
	prevBlank := true

	for pos := 0; pos < len(buf); {
		next := len(buf)
		if i := bytes.IndexByte(buf[pos:], '\n'); i >= 0 {
			next = pos + i + 1
		}
		line := buf[pos:next]
		blank := isBlankLine(line)

		switch {
		case prevBlank && bytes.HasPrefix(line, fromPrefix):
			d, ok := parseDelimiter(line)
			if !ok {
				return nil, pos, fmt.Sprintf("bad delimiter line %q", bytes.TrimRight(line, "\r\n"))
			}
			if cur != nil {
				cur.finish(pos)
				spans = append(spans, *cur)
			}
			cur = &span{start: pos, delimEnd: next, delim: d}
			blank = false
		case cur == nil && blank:
			// separator left over from the previous pass
		case cur == nil:
			return nil, pos, "data does not start with a delimiter line"
		case !cur.headerDone && blank:
			cur.headerEnd = pos
			cur.bodyStart = next
			cur.headerDone = true
		}

		if cur != nil && pos != cur.start {
			cur.lastLine, cur.lastIsBlank = pos, blank
		}
		prevBlank = blank
		pos = next
	}
	if cur != nil {
		cur.finish(len(buf))
		spans = append(spans, *cur)
	}
	return spans, 0, ""
}

// finish closes the span at end. The blank line separating it from the
// next delimiter is not part of the body.
func (sp *span) finish(end int) {
	sp.end = end
	if !sp.headerDone {
		sp.headerEnd, sp.bodyStart = end, end
	}
	if sp.lastIsBlank && sp.lastLine >= sp.bodyStart && sp.lastLine >= sp.headerEnd {
		sp.end = sp.lastLine
	}
	if sp.end < sp.bodyStart {
		sp.end = sp.bodyStart
	}
}

// parse reads the bytes appended since the last pass and extends the
// cache. The caller holds the lock.
func (s *Stream) parse() error {
	fi, err := s.file.Stat()
	if err != nil {
		s.opts.Metrics.ObserveParse("error")
		return fmt.Errorf("stat mailbox: %w", err)
	}
	size, mtime := fi.Size(), fi.ModTime()

	if size < s.lastSize {
		s.opts.Metrics.ObserveParse("corrupt")
		return s.abort(&errors.CorruptionError{
			Path:   s.path,
			Offset: size,
			Reason: fmt.Sprintf("mailbox shrank from %d to %d bytes", s.lastSize, size),
		})
	}
	if size == s.lastSize {
		if !mtime.Equal(s.lastMtime) {
			s.lastMtime = mtime
		}
		if s.uidValidity == 0 {
			s.fenceUIDs(0)
		}
		s.opts.Metrics.ObserveParse("unchanged")
		return nil
	}

	base := s.lastSize
	buf := make([]byte, size-base)
	if _, err := s.file.ReadAt(buf, base); err != nil && err != io.EOF {
		s.opts.Metrics.ObserveParse("error")
		return fmt.Errorf("read mailbox: %w", err)
	}

	spans, at, reason := scanRange(buf)
	if reason != "" {
		s.opts.Metrics.ObserveParse("corrupt")
		return s.abort(&errors.CorruptionError{Path: s.path, Offset: base + int64(at), Reason: reason})
	}

	firstNew := len(s.msgs)
	for i, sp := range spans {
		fileFirst := base == 0 && i == 0
		m, p := s.buildMessage(buf, base, sp, mtime, fileFirst)
		for _, w := range p.warnings {
			s.warn(fmt.Sprintf("message at offset %d: %s", m.rng.Start, w))
		}
		if p.base != nil {
			s.uidValidity = p.base.validity
			s.uidLast = p.base.last
			for _, kw := range p.base.keywords {
				if _, ok := s.keywords.intern(kw); !ok {
					s.warn("keyword table full, dropping " + kw)
				}
			}
		}
		if fileFirst && p.pseudo {
			continue
		}

		if len(p.keywords) > 0 {
			for _, kw := range p.keywords {
				idx, ok := s.keywords.intern(kw)
				if !ok {
					s.warn("keyword table full, dropping " + kw)
					continue
				}
				m.keywords |= 1 << uint(idx)
			}
		}
		if p.hasUID {
			m.uid = p.uid
		}
		if !p.old && !p.hasUID {
			m.flags |= mailstore.FlagRecent
		}
		s.msgs = append(s.msgs, m)
	}

	s.fenceUIDs(firstNew)
	s.lastSize, s.lastMtime = size, mtime
	s.opts.Metrics.ObserveParse("ok")

	if added := len(s.msgs) - firstNew; added > 0 {
		s.log.Debug("parsed new messages", slog.Int("new", added), slog.Int("count", len(s.msgs)))
		s.opts.Callbacks.NotifyExists(len(s.msgs))
	}
	return nil
}

func (s *Stream) buildMessage(buf []byte, base int64, sp span, mtime time.Time, first bool) (*message, persisted) {
	rawHeader := bytes.Clone(buf[sp.delimEnd:sp.headerEnd])
	header, p := decodeHeader(rawHeader, first)
	body := buf[sp.bodyStart:sp.end]

	m := &message{
		rng: Range{
			Start:        base + int64(sp.start),
			HeaderOffset: int64(sp.delimEnd - sp.start),
			HeaderSize:   int64(sp.headerEnd - sp.delimEnd),
			BodyOffset:   int64(sp.bodyStart - sp.start),
			BodySize:     int64(sp.end - sp.bodyStart),
		},
		delimiter:    ensureNewline(bytes.Clone(buf[sp.start:sp.delimEnd])),
		rawHeader:    rawHeader,
		header:       header,
		sender:       sp.delim.sender,
		flags:        p.flags,
		internalDate: sp.delim.date,
		size:         rfc822Size(ensureNewline(header), body),
	}
	if !sp.delim.dated {
		m.internalDate = mtime
	}
	return m, p
}

// fenceUIDs walks the messages from index from on, checking persisted
// UIDs and giving the next UID to every message that has none. A
// persisted UID that is not above its predecessor, allocated ones
// included, or lies beyond the recorded last UID voids the whole
// sequence: a new validity generation starts and every message is
// renumbered.
func (s *Stream) fenceUIDs(from int) {
	valid := s.uidValidity != 0
	limit := s.uidLast
	var prev imap.UID
	if from > 0 {
		prev = s.msgs[from-1].uid
	}
	for _, m := range s.msgs[from:] {
		if !valid {
			break
		}
		if m.uid == 0 {
			s.uidLast++
			m.uid = s.uidLast
			s.markDirty(m)
		} else if m.uid <= prev || m.uid > limit {
			valid = false
			break
		}
		prev = m.uid
	}

	if !valid {
		if s.uidValidity != 0 {
			s.warn(fmt.Sprintf("UID sequence invalid, starting a new validity generation (was %d)", s.uidValidity))
		}
		s.resetUIDs()
	}
}

func (s *Stream) resetUIDs() {
	validity := uint32(time.Now().Unix())
	if validity <= s.uidValidity {
		validity = s.uidValidity + 1
	}
	s.uidValidity = validity
	s.uidLast = 0
	for _, m := range s.msgs {
		s.uidLast++
		m.uid = s.uidLast
		s.markDirty(m)
	}
	if !s.readOnly {
		s.dirty = true
	}
}

// markDirty flags m for rewrite on writable streams; readonly streams
// keep their assignments in memory only.
func (s *Stream) markDirty(m *message) {
	if s.readOnly {
		return
	}
	m.dirty = true
	s.dirty = true
}
