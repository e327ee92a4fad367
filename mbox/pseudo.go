package mbox

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// cachedHostname is set once at startup.
var cachedHostname = getHostname()

// getHostname returns the sanitized system hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return sanitizeHostname(hostname)
}

// sanitizeHostname removes characters that do not belong in a header.
func sanitizeHostname(hostname string) string {
	hostname = strings.ReplaceAll(hostname, "/", "_")
	hostname = strings.ReplaceAll(hostname, ":", "_")
	hostname = strings.Map(func(r rune) rune {
		if r <= ' ' || r >= 0x7f {
			return -1
		}
		return r
	}, hostname)
	if hostname == "" {
		return "localhost"
	}
	return hostname
}

const pseudoText = `This text is part of the internal format of your mail folder, and is not
a real message.  It is created automatically by the mail system software.
If deleted, important folder data will be lost, and it will be re-created
with the data reset to initial values.
`

// pseudoMessage renders the first message of a rewritten mailbox, which
// carries the UID state and the keyword table.
func pseudoMessage(st uidState, now time.Time) []byte {
	var b strings.Builder
	b.WriteString(formatDelimiter(pseudoSender, now))
	fmt.Fprintf(&b, "Date: %s\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: Mail System Internal Data <%s@%s>\n", pseudoSender, cachedHostname)
	fmt.Fprintf(&b, "Subject: %s\n", pseudoSubject)
	fmt.Fprintf(&b, "Message-ID: <%d@%s>\n", now.Unix(), cachedHostname)
	fmt.Fprintf(&b, "X-IMAP: %s\n", encodeUIDState(st))
	b.WriteString("Status: RO\n\n")
	b.WriteString(pseudoText)
	b.WriteString("\n")
	return []byte(b.String())
}
