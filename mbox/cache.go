package mbox

import (
	"bytes"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/mailstore"
)

// Range locates one message in the mailbox file. Start is absolute; the
// other offsets are relative to Start, which is the first byte of the
// delimiter line.
type Range struct {
	Start        int64
	HeaderOffset int64
	HeaderSize   int64 // excludes the blank line ending the header
	BodyOffset   int64
	BodySize     int64 // excludes the blank separator before the next delimiter
}

// message is one cache entry. It is owned by exactly one Stream.
type message struct {
	rng       Range
	delimiter []byte // the delimiter line, newline included
	rawHeader []byte // header bytes as on disk
	header    []byte // rawHeader without codec fields
	sender    string

	uid          imap.UID
	flags        mailstore.Flags
	keywords     uint64 // bitmap over the stream's keyword table
	internalDate time.Time
	size         int64
	dirty        bool
}

// rfc822Size counts header, blank line and body with every line ending
// as CRLF.
func rfc822Size(header, body []byte) int64 {
	return mailstore.CRLFLen(header) + 2 + mailstore.CRLFLen(body)
}

func isBlankLine(line []byte) bool {
	return len(line) == 1 && line[0] == '\n' || len(line) == 2 && line[0] == '\r' && line[1] == '\n'
}

// ensureNewline returns b terminated by a newline.
func ensureNewline(b []byte) []byte {
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return b
	}
	return append(bytes.Clone(b), '\n')
}

// entry snapshots m for callers.
func (s *Stream) entry(seq int, m *message) mailstore.Entry {
	return mailstore.Entry{
		Seq:          seq,
		UID:          m.uid,
		UIDValidity:  s.uidValidity,
		Flags:        m.flags,
		Keywords:     s.keywords.decode(m.keywords),
		InternalDate: m.internalDate,
		Size:         m.size,
		Dirty:        m.dirty,
	}
}
