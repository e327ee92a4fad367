package maildir

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-maildir"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

func testOpts() mailstore.OpenOptions {
	return mailstore.OpenOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// newMaildir creates an empty maildir with n messages appended.
func newMaildir(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Maildir")
	ctx := context.Background()
	if err := Create(ctx, path); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < n; i++ {
		msg := mailstore.Message{Raw: []byte("Subject: Test " + string(rune('A'+i)) + "\r\n\r\nTest message body")}
		if err := Append(ctx, path, msg, testOpts()); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return path
}

func openMailbox(t *testing.T, path string, opts mailstore.OpenOptions) *Mailbox {
	t.Helper()
	mb, err := Open(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if !mb.closed {
			_ = mb.Close(context.Background(), mailstore.CloseOptions{Discard: true})
		}
	})
	return mb
}

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user", "Maildir")
	ctx := context.Background()

	if Valid(path) {
		t.Fatal("Valid reported a missing maildir")
	}
	if err := Create(ctx, path); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !Valid(path) {
		t.Fatal("Valid rejected a new maildir")
	}
	if err := Create(ctx, path); err != errors.ErrMailboxExists {
		t.Fatalf("expected ErrMailboxExists, got %v", err)
	}
}

func TestOpenNonexistent(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing"), testOpts())
	if err != errors.ErrMailboxNotFound {
		t.Fatalf("expected ErrMailboxNotFound, got %v", err)
	}
}

func TestAppendAndFetch(t *testing.T) {
	path := newMaildir(t, 2)
	mb := openMailbox(t, path, testOpts())

	if mb.Count() != 2 {
		t.Fatalf("expected 2 messages, got %d", mb.Count())
	}
	if mb.Recent() != 2 {
		t.Fatalf("expected 2 recent messages, got %d", mb.Recent())
	}

	data, err := mb.FetchBody(1)
	if err != nil {
		t.Fatalf("FetchBody failed: %v", err)
	}
	want := "Subject: Test A\r\n\r\nTest message body"
	if string(data) != want {
		t.Fatalf("message content mismatch: got %q, want %q", data, want)
	}

	hdr, err := mb.FetchHeader(1)
	if err != nil {
		t.Fatalf("FetchHeader failed: %v", err)
	}
	if string(hdr) != "Subject: Test A\r\n\r\n" {
		t.Fatalf("header mismatch: got %q", hdr)
	}
	text, err := mb.FetchText(2)
	if err != nil {
		t.Fatalf("FetchText failed: %v", err)
	}
	if string(text) != "Test message body" {
		t.Fatalf("text mismatch: got %q", text)
	}

	e := mb.Entry(1)
	if e.Size != int64(len(want)) {
		t.Errorf("expected size %d, got %d", len(want), e.Size)
	}
	if e.UID != 1 || mb.Entry(2).UID != 2 {
		t.Errorf("expected UIDs 1 and 2, got %d and %d", e.UID, mb.Entry(2).UID)
	}

	ov, err := mb.FetchOverview(2)
	if err != nil {
		t.Fatalf("FetchOverview failed: %v", err)
	}
	if ov.Subject != "Test B" {
		t.Errorf("expected subject %q, got %q", "Test B", ov.Subject)
	}

	// Unseen moved everything to cur/.
	entries, err := os.ReadDir(filepath.Join(path, "new"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected new/ to be empty, found %d files", len(entries))
	}
}

func TestAppendWithFlagsAndDate(t *testing.T) {
	path := newMaildir(t, 0)
	date := time.Date(2021, time.May, 4, 12, 0, 0, 0, time.UTC)
	msg := mailstore.Message{
		Date:  date,
		Flags: mailstore.FlagSeen | mailstore.FlagFlagged,
		Raw:   []byte("Subject: flagged\n\nbody\n"),
	}
	if err := Append(context.Background(), path, msg, testOpts()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	mb := openMailbox(t, path, testOpts())
	e := mb.Entry(1)
	if e.Flags != mailstore.FlagSeen|mailstore.FlagFlagged {
		t.Errorf("expected flags %v, got %v", mailstore.FlagSeen|mailstore.FlagFlagged, e.Flags)
	}
	if !e.InternalDate.Equal(date) {
		t.Errorf("expected internal date %v, got %v", date, e.InternalDate)
	}
	if mb.Recent() != 0 {
		t.Errorf("a message delivered into cur/ is not recent")
	}
}

func TestAppendToMissingMaildir(t *testing.T) {
	err := Append(context.Background(), filepath.Join(t.TempDir(), "missing"), mailstore.Message{Raw: []byte("x")}, testOpts())
	if err != errors.ErrMailboxNotFound {
		t.Fatalf("expected ErrMailboxNotFound, got %v", err)
	}
}

func TestUIDsPersist(t *testing.T) {
	path := newMaildir(t, 2)
	ctx := context.Background()

	mb := openMailbox(t, path, testOpts())
	validity := mb.UIDValidity()
	if err := mb.Close(ctx, mailstore.CloseOptions{}); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := Append(ctx, path, mailstore.Message{Raw: []byte("Subject: Third\r\n\r\nbody")}, testOpts()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	mb = openMailbox(t, path, testOpts())
	if mb.UIDValidity() != validity {
		t.Fatalf("validity changed from %d to %d", validity, mb.UIDValidity())
	}
	if mb.Count() != 3 {
		t.Fatalf("expected 3 messages, got %d", mb.Count())
	}
	for seq := 1; seq <= 3; seq++ {
		if uid := mb.Entry(seq).UID; uid != imap.UID(seq) {
			t.Errorf("message %d: expected UID %d, got %d", seq, seq, uid)
		}
	}
	if mb.Recent() != 1 {
		t.Errorf("expected only the new message to be recent, got %d", mb.Recent())
	}
	if mb.UIDNext() != 4 {
		t.Errorf("expected UIDNext 4, got %d", mb.UIDNext())
	}
}

func TestDamagedUIDListResets(t *testing.T) {
	path := newMaildir(t, 1)
	if err := os.WriteFile(filepath.Join(path, uidListName), []byte("garbage\n"), 0600); err != nil {
		t.Fatal(err)
	}
	mb := openMailbox(t, path, testOpts())
	if mb.UIDValidity() == 0 || mb.Entry(1).UID != 1 {
		t.Fatalf("expected a fresh UID sequence, got validity %d uid %d", mb.UIDValidity(), mb.Entry(1).UID)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	path := newMaildir(t, 2)
	ctx := context.Background()

	var changed []int
	opts := testOpts()
	opts.Callbacks.FlagsChanged = func(seq int) { changed = append(changed, seq) }
	mb := openMailbox(t, path, opts)

	if err := mb.SetFlags(1, mailstore.FlagSeen|mailstore.FlagAnswered, nil); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	if err := mb.SetFlags(2, 0, []string{"$Work"}); err != errors.ErrKeywordsUnsupported {
		t.Fatalf("expected ErrKeywordsUnsupported, got %v", err)
	}
	if len(changed) != 1 || changed[0] != 1 {
		t.Fatalf("expected FlagsChanged for message 1 only, got %v", changed)
	}
	if err := mb.Close(ctx, mailstore.CloseOptions{}); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	msgs, err := maildir.Dir(path).Messages()
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	var found bool
	for _, m := range msgs {
		if strings.HasSuffix(m.Filename(), ":2,RS") {
			found = true
		}
	}
	if !found {
		t.Error("expected a file with flags RS")
	}

	mb = openMailbox(t, path, testOpts())
	if got := mb.Entry(1).Flags; got != mailstore.FlagSeen|mailstore.FlagAnswered {
		t.Errorf("expected flags to persist, got %v", got)
	}
	if err := mb.ClearFlags(1, mailstore.FlagAnswered, nil); err != nil {
		t.Fatalf("ClearFlags failed: %v", err)
	}
	if err := mb.Check(ctx); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	data, err := mb.FetchBody(1)
	if err != nil || !strings.Contains(string(data), "Test A") {
		t.Fatalf("FetchBody after rename: %q, %v", data, err)
	}
}

func TestExpunge(t *testing.T) {
	path := newMaildir(t, 3)
	ctx := context.Background()

	var expunged []int
	opts := testOpts()
	opts.Callbacks.Expunged = func(seq int) { expunged = append(expunged, seq) }
	mb := openMailbox(t, path, opts)

	for _, seq := range []int{1, 3} {
		if err := mb.SetFlags(seq, mailstore.FlagDeleted, nil); err != nil {
			t.Fatalf("SetFlags failed: %v", err)
		}
	}
	n, err := mb.Expunge(ctx)
	if err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expunged, got %d", n)
	}
	if len(expunged) != 2 || expunged[0] != 3 || expunged[1] != 1 {
		t.Fatalf("expected expunge notifications [3 1], got %v", expunged)
	}
	if mb.Count() != 1 || mb.Entry(1).UID != 2 {
		t.Fatalf("expected the message with UID 2 to survive")
	}
	if err := mb.Close(ctx, mailstore.CloseOptions{}); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mb = openMailbox(t, path, testOpts())
	if mb.Count() != 1 || mb.Entry(1).UID != 2 {
		t.Fatalf("expected one message with UID 2 after reopen, got %d messages", mb.Count())
	}
	if mb.UIDNext() != 4 {
		t.Errorf("expunged UIDs must not be reused, UIDNext is %d", mb.UIDNext())
	}
}

func TestExternalRemovalIsExpunged(t *testing.T) {
	path := newMaildir(t, 2)
	var expunged []int
	opts := testOpts()
	opts.Callbacks.Expunged = func(seq int) { expunged = append(expunged, seq) }
	mb := openMailbox(t, path, opts)

	if err := os.Remove(mb.msgs[0].filename); err != nil {
		t.Fatal(err)
	}
	if err := mb.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if mb.Count() != 1 || len(expunged) != 1 || expunged[0] != 1 {
		t.Fatalf("expected message 1 to be expunged, count %d, notifications %v", mb.Count(), expunged)
	}
}

func TestSecondWriterFallsBackToReadOnly(t *testing.T) {
	path := newMaildir(t, 1)
	owner := openMailbox(t, path, testOpts())
	if owner.ReadOnly() {
		t.Fatal("first opener should own the maildir")
	}

	other := openMailbox(t, path, testOpts())
	if !other.ReadOnly() {
		t.Fatal("second opener should be readonly")
	}
	if err := other.SetFlags(1, mailstore.FlagSeen, nil); err != errors.ErrReadOnly {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}

	strict := testOpts()
	strict.RequireWrite = true
	if _, err := Open(context.Background(), path, strict); err != errors.ErrMailboxLocked {
		t.Fatalf("expected ErrMailboxLocked, got %v", err)
	}
}

func TestCopy(t *testing.T) {
	src := newMaildir(t, 2)
	dest := newMaildir(t, 0)
	ctx := context.Background()

	mb := openMailbox(t, src, testOpts())
	if err := mb.SetFlags(2, mailstore.FlagFlagged, nil); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	if err := mb.Copy(ctx, []int{2}, dest); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	d := openMailbox(t, dest, testOpts())
	if d.Count() != 1 {
		t.Fatalf("expected 1 copied message, got %d", d.Count())
	}
	if !d.Entry(1).Flags.Has(mailstore.FlagFlagged) {
		t.Error("expected the copy to keep its flags")
	}
	data, err := d.FetchBody(1)
	if err != nil || !strings.Contains(string(data), "Test B") {
		t.Fatalf("copied content mismatch: %q, %v", data, err)
	}
}

func TestConvertFlags(t *testing.T) {
	tests := []struct {
		name     string
		flags    []maildir.Flag
		expected mailstore.Flags
		extra    int
	}{
		{name: "no flags", flags: nil, expected: 0},
		{name: "seen flag", flags: []maildir.Flag{maildir.FlagSeen}, expected: mailstore.FlagSeen},
		{
			name:     "multiple flags",
			flags:    []maildir.Flag{maildir.FlagSeen, maildir.FlagReplied, maildir.FlagFlagged},
			expected: mailstore.FlagSeen | mailstore.FlagAnswered | mailstore.FlagFlagged,
		},
		{
			name:     "all flags",
			flags:    []maildir.Flag{maildir.FlagSeen, maildir.FlagReplied, maildir.FlagFlagged, maildir.FlagDraft, maildir.FlagTrashed},
			expected: mailstore.PermanentFlags,
		},
		{name: "passed is kept aside", flags: []maildir.Flag{maildir.FlagPassed, maildir.FlagSeen}, expected: mailstore.FlagSeen, extra: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, extra := fromMaildir(tt.flags)
			if result != tt.expected {
				t.Errorf("fromMaildir(%v) = %v, want %v", tt.flags, result, tt.expected)
			}
			if len(extra) != tt.extra {
				t.Errorf("fromMaildir(%v) extra = %v, want %d", tt.flags, extra, tt.extra)
			}
			back := toMaildir(result, extra)
			if len(back) != len(tt.flags) {
				t.Errorf("toMaildir(%v) = %v, want %d flags", result, back, len(tt.flags))
			}
		})
	}

	if got := flagString(toMaildir(mailstore.PermanentFlags, nil)); got != "DFRST" {
		t.Errorf("expected flags in ASCII order DFRST, got %q", got)
	}
}
