// Package mbox stores mail in Unix mbox files: one file per mailbox,
// messages separated by "From " delimiter lines.
//
// A Stream caches the layout of the file and reads only what was appended
// since the last parse. Flags, keywords and UIDs live in the Status,
// X-Status, X-Keywords and X-UID header fields; the UID validity and the
// keyword table live in a hidden first message carrying X-IMAP. Callers
// never see those fields or that message.
//
// Every parse, rewrite and append runs under an advisory "<path>.lock"
// file and a kernel fcntl lock on the mailbox. A writable stream also
// holds a session lock for its lifetime; a second writer that finds it
// taken gets a readonly stream.
//
// Changed flags are written back by rewriting the file: the new contents
// are built and verified in a scratch file, the original bytes are saved
// and the new bytes are copied over the live file. A failed copy is
// retried or undone according to Callbacks.DiskError.
//
// Register the backend with a registry:
//
//	reg := mailstore.NewRegistry()
//	mbox.Register(reg)
package mbox
