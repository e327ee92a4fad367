// Package maildir provides a Maildir backend for the mailstore driver table.
//
// Maildir is a widely-used format for storing email messages where each message
// is kept as a separate file:
//
//	mailbox/
//	├── new/                  # Newly delivered messages
//	├── cur/                  # Messages a session has seen, flags in the filename
//	├── tmp/                  # Temporary files during delivery
//	└── mailstore-uidlist     # message key to UID map
//
// System flags live in the filename suffix (":2,FRS"). Keywords cannot be
// stored. UIDs are kept in mailstore-uidlist, written only by the stream
// that owns the maildir; other writable opens fall back to readonly.
// Readonly streams see only messages already moved to cur/.
//
// Register the backend with a registry:
//
//	reg := mailstore.NewRegistry()
//	maildir.Register(reg)
package maildir
