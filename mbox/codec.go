package mbox

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/mailstore"
)

// Header fields owned by the flag codec. They are storage metadata and
// never returned to callers.
const (
	fieldStatus     = "status"
	fieldXStatus    = "x-status"
	fieldXKeywords  = "x-keywords"
	fieldXUID       = "x-uid"
	fieldXIMAP      = "x-imap"
	fieldXIMAPBase  = "x-imapbase"
	pseudoSubject   = "DON'T DELETE THIS MESSAGE -- FOLDER INTERNAL DATA"
	pseudoSender    = "MAILER-DAEMON"
	maxKeywordSlots = 64
)

// uidState is the mailbox-wide state carried by X-IMAP or X-IMAPbase.
type uidState struct {
	validity uint32
	last     imap.UID
	keywords []string
}

// persisted is what the codec recovered from one message header.
type persisted struct {
	flags    mailstore.Flags
	old      bool // Status carried O: the message is not recent
	keywords []string
	uid      imap.UID
	hasUID   bool
	base     *uidState
	pseudo   bool // the header carried X-IMAP: this is the pseudo-message
	warnings []string
}

// decodeHeader splits raw into the caller-visible header and the persisted
// state. X-IMAP and X-IMAPbase are only metadata in the first message of
// the file; elsewhere they are ordinary header fields.
func decodeHeader(raw []byte, first bool) ([]byte, persisted) {
	var p persisted
	stripped := make([]byte, 0, len(raw))

	for _, field := range headerFields(raw) {
		name, value, ok := splitField(field)
		if !ok {
			stripped = append(stripped, field...)
			continue
		}
		switch name {
		case fieldStatus:
			for _, c := range value {
				switch c {
				case 'R':
					p.flags |= mailstore.FlagSeen
				case 'O':
					p.old = true
				}
			}
		case fieldXStatus:
			for _, c := range value {
				switch c {
				case 'D':
					p.flags |= mailstore.FlagDeleted
				case 'F':
					p.flags |= mailstore.FlagFlagged
				case 'A':
					p.flags |= mailstore.FlagAnswered
				case 'T':
					p.flags |= mailstore.FlagDraft
				}
			}
		case fieldXKeywords:
			p.keywords = append(p.keywords, strings.Fields(value)...)
		case fieldXUID:
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil || n == 0 {
				p.warnings = append(p.warnings, fmt.Sprintf("ignoring malformed X-UID %q", value))
				continue
			}
			p.uid, p.hasUID = imap.UID(n), true
		case fieldXIMAP, fieldXIMAPBase:
			if !first {
				stripped = append(stripped, field...)
				continue
			}
			if name == fieldXIMAP {
				p.pseudo = true
			}
			st, err := parseUIDState(value)
			if err != nil {
				p.warnings = append(p.warnings, fmt.Sprintf("ignoring malformed %s: %v", name, err))
				continue
			}
			p.base = &st
		default:
			stripped = append(stripped, field...)
		}
	}
	return stripped, p
}

// DecodeMessage reads the flags and keywords another mbox program stored
// in raw's header and returns the message without those fields. ok is
// false for a folder-internal pseudo-message, which holds no mail.
func DecodeMessage(raw []byte) (msg mailstore.Message, ok bool) {
	header, body := mailstore.SplitMessage(raw)
	stripped, p := decodeHeader(header, true)
	if p.pseudo {
		return mailstore.Message{}, false
	}

	sep := []byte("\n")
	if bytes.HasSuffix(stripped, []byte("\r\n")) {
		sep = []byte("\r\n")
	}
	full := make([]byte, 0, len(stripped)+len(sep)+len(body))
	full = append(full, stripped...)
	full = append(full, sep...)
	full = append(full, body...)

	msg = mailstore.Message{Flags: p.flags, Raw: full}
	for _, kw := range p.keywords {
		if mailstore.ValidKeyword(kw) {
			msg.Keywords = append(msg.Keywords, kw)
		}
	}
	if ov, err := mailstore.ParseOverview(stripped); err == nil {
		msg.Date = ov.Date
	}
	return msg, true
}

// headerFields splits a header block into fields, keeping continuation
// lines with the field they belong to and every byte as it was.
func headerFields(raw []byte) [][]byte {
	var fields [][]byte
	start := -1
	for pos := 0; pos < len(raw); {
		end := bytes.IndexByte(raw[pos:], '\n')
		next := len(raw)
		if end >= 0 {
			next = pos + end + 1
		}
		continuation := raw[pos] == ' ' || raw[pos] == '\t'
		if !continuation || start < 0 {
			if start >= 0 {
				fields = append(fields, raw[start:pos])
			}
			start = pos
		}
		pos = next
	}
	if start >= 0 {
		fields = append(fields, raw[start:])
	}
	return fields
}

// splitField returns the lower-cased name and unfolded, trimmed value.
func splitField(field []byte) (string, string, bool) {
	colon := bytes.IndexByte(field, ':')
	if colon <= 0 {
		return "", "", false
	}
	name := strings.ToLower(strings.TrimSpace(string(field[:colon])))
	value := strings.Join(strings.Fields(string(field[colon+1:])), " ")
	return name, value, true
}

func parseUIDState(value string) (uidState, error) {
	parts := strings.Fields(value)
	if len(parts) < 2 {
		return uidState{}, fmt.Errorf("want validity and last uid, got %q", value)
	}
	validity, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil || validity == 0 {
		return uidState{}, fmt.Errorf("bad uid validity %q", parts[0])
	}
	last, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return uidState{}, fmt.Errorf("bad last uid %q", parts[1])
	}
	return uidState{validity: uint32(validity), last: imap.UID(last), keywords: parts[2:]}, nil
}

// encodeFlags renders the codec's header lines for one message. Status
// always carries O: once written back a message is no longer recent.
func encodeFlags(flags mailstore.Flags, keywords []string, uid imap.UID) []byte {
	var b bytes.Buffer
	b.WriteString("Status: ")
	if flags.Has(mailstore.FlagSeen) {
		b.WriteByte('R')
	}
	b.WriteString("O\n")

	var x []byte
	if flags.Has(mailstore.FlagDeleted) {
		x = append(x, 'D')
	}
	if flags.Has(mailstore.FlagFlagged) {
		x = append(x, 'F')
	}
	if flags.Has(mailstore.FlagAnswered) {
		x = append(x, 'A')
	}
	if flags.Has(mailstore.FlagDraft) {
		x = append(x, 'T')
	}
	if len(x) > 0 {
		b.WriteString("X-Status: ")
		b.Write(x)
		b.WriteByte('\n')
	}
	if len(keywords) > 0 {
		b.WriteString("X-Keywords: " + strings.Join(keywords, " ") + "\n")
	}
	if uid != 0 {
		fmt.Fprintf(&b, "X-UID: %d\n", uid)
	}
	return b.Bytes()
}

// encodeAppendFlags renders flags for a message appended without a
// stream: no UID and no O, so the next reader sees it as recent.
func encodeAppendFlags(flags mailstore.Flags, keywords []string) []byte {
	var b bytes.Buffer
	if flags.Has(mailstore.FlagSeen) {
		b.WriteString("Status: R\n")
	}
	enc := encodeFlags(flags&^mailstore.FlagSeen, keywords, 0)
	// drop the Status line encodeFlags always emits
	if i := bytes.IndexByte(enc, '\n'); i >= 0 {
		enc = enc[i+1:]
	}
	b.Write(enc)
	return b.Bytes()
}

// encodeUIDState renders the X-IMAP value. The numbers are zero padded so
// the pseudo-message keeps its size as the counters grow.
func encodeUIDState(st uidState) string {
	v := fmt.Sprintf("%010d %010d", st.validity, uint32(st.last))
	if len(st.keywords) > 0 {
		v += " " + strings.Join(st.keywords, " ")
	}
	return v
}

// keywordTable maps keyword names to bitmap slots. Slots are never freed.
type keywordTable struct {
	names    []string
	capacity int
}

func newKeywordTable(capacity int) keywordTable {
	return keywordTable{capacity: min(capacity, maxKeywordSlots)}
}

// index returns the slot for name, or -1.
func (t *keywordTable) index(name string) int {
	for i, n := range t.names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// fits reports whether n more names can be allocated.
func (t *keywordTable) fits(n int) bool {
	return len(t.names)+n <= t.capacity
}

// intern returns the slot for name, allocating the next free one.
func (t *keywordTable) intern(name string) (int, bool) {
	if i := t.index(name); i >= 0 {
		return i, true
	}
	if len(t.names) >= t.capacity {
		return -1, false
	}
	t.names = append(t.names, name)
	return len(t.names) - 1, true
}

// decode lists the names set in bitmap, in slot order.
func (t *keywordTable) decode(bitmap uint64) []string {
	var out []string
	for i, n := range t.names {
		if bitmap&(1<<uint(i)) != 0 {
			out = append(out, n)
		}
	}
	return out
}
