package mailstore

import (
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/mailstore/errors"
)

// Flags is the set of system flags carried by a message.
type Flags uint8

const (
	FlagSeen Flags = 1 << iota
	FlagDeleted
	FlagFlagged
	FlagAnswered
	FlagDraft
	FlagRecent
)

// IMAPFlagRecent is the session flag go-imap/v2 no longer names.
const IMAPFlagRecent imap.Flag = "\\Recent"

// PermanentFlags are the system flags a client may change.
const PermanentFlags = FlagSeen | FlagDeleted | FlagFlagged | FlagAnswered | FlagDraft

var systemFlags = []struct {
	bit  Flags
	name imap.Flag
}{
	{FlagSeen, imap.FlagSeen},
	{FlagAnswered, imap.FlagAnswered},
	{FlagFlagged, imap.FlagFlagged},
	{FlagDeleted, imap.FlagDeleted},
	{FlagDraft, imap.FlagDraft},
	{FlagRecent, IMAPFlagRecent},
}

// Has reports whether every bit in x is set in f.
func (f Flags) Has(x Flags) bool { return f&x == x }

// IMAP returns the flag names for f in a stable order.
func (f Flags) IMAP() []imap.Flag {
	var out []imap.Flag
	for _, sf := range systemFlags {
		if f&sf.bit != 0 {
			out = append(out, sf.name)
		}
	}
	return out
}

func (f Flags) String() string {
	names := f.IMAP()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// ParseFlags splits IMAP flag names into system flags and keywords.
// \Recent cannot be set by a client and is ignored. Unknown backslash
// flags and malformed keywords are rejected.
func ParseFlags(names []imap.Flag) (Flags, []string, error) {
	var flags Flags
	var keywords []string
outer:
	for _, name := range names {
		for _, sf := range systemFlags {
			if strings.EqualFold(string(name), string(sf.name)) {
				if sf.bit != FlagRecent {
					flags |= sf.bit
				}
				continue outer
			}
		}
		if !ValidKeyword(string(name)) {
			return 0, nil, errors.ErrInvalidKeyword
		}
		keywords = append(keywords, string(name))
	}
	return flags, keywords, nil
}

// ValidKeyword reports whether s is an IMAP atom usable as a keyword.
func ValidKeyword(s string) bool {
	if s == "" || s[0] == '\\' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f {
			return false
		}
		switch c {
		case '(', ')', '{', '%', '*', '"', '\\', ']':
			return false
		}
	}
	return true
}
