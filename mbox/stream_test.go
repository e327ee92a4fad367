package mbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

func testOpts(t *testing.T) mailstore.OpenOptions {
	t.Helper()
	return mailstore.OpenOptions{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		LockDir: t.TempDir(),
	}
}

func testHeader(i int) string {
	return fmt.Sprintf("From: sender%d@example.com\nSubject: message %d\nMessage-ID: <%d@example.com>\n", i, i, i)
}

func testMessage(i int) string {
	return fmt.Sprintf("From sender%d@example.com Mon Jan  2 15:04:%02d 2006\n", i, i) +
		testHeader(i) + "\n" + fmt.Sprintf("body of message %d\n", i)
}

// testMailbox joins messages 1..n with blank separator lines.
func testMailbox(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = testMessage(i + 1)
	}
	return strings.Join(parts, "\n")
}

func writeMailbox(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "INBOX")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func openStream(t *testing.T, path string, opts mailstore.OpenOptions) *Stream {
	t.Helper()
	s, err := Open(context.Background(), path, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !s.closed {
			_ = s.Close(context.Background(), mailstore.CloseOptions{Discard: true})
		}
	})
	return s
}

func TestOpenParsesMessages(t *testing.T) {
	path := writeMailbox(t, testMailbox(3))
	s := openStream(t, path, testOpts(t))

	assert.Equal(t, 3, s.Count())
	assert.Equal(t, 3, s.Recent())
	assert.False(t, s.ReadOnly())
	assert.NotZero(t, s.UIDValidity())
	assert.Equal(t, imap.UID(4), s.UIDNext())
	assert.True(t, s.Dirty(), "fresh UIDs must be scheduled for write-back")

	for seq := 1; seq <= 3; seq++ {
		e := s.Entry(seq)
		assert.Equal(t, seq, e.Seq)
		assert.Equal(t, imap.UID(seq), e.UID)
		assert.True(t, e.Flags.Has(mailstore.FlagRecent))
		assert.Equal(t, 2006, e.InternalDate.Year())
		assert.Equal(t, seq, e.InternalDate.Second())

		hdr, err := s.FetchHeader(seq)
		require.NoError(t, err)
		assert.Equal(t, testHeader(seq)+"\n", string(hdr))

		text, err := s.FetchText(seq)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("body of message %d\n", seq), string(text))

		full, err := s.FetchBody(seq)
		require.NoError(t, err)
		assert.Equal(t, int64(len(strings.ReplaceAll(string(full), "\n", "\r\n"))), e.Size)
	}
}

func TestOpenEmptyMailbox(t *testing.T) {
	path := writeMailbox(t, "")
	s := openStream(t, path, testOpts(t))

	assert.Equal(t, 0, s.Count())
	assert.NotZero(t, s.UIDValidity())
	assert.Equal(t, imap.UID(1), s.UIDNext())
}

func TestOpenMissingMailbox(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope"), testOpts(t))
	assert.ErrorIs(t, err, errors.ErrMailboxNotFound)
}

func TestFetchOverview(t *testing.T) {
	path := writeMailbox(t, testMailbox(2))
	s := openStream(t, path, testOpts(t))

	ov, err := s.FetchOverview(2)
	require.NoError(t, err)
	assert.Equal(t, "message 2", ov.Subject)
	assert.Equal(t, []string{"sender2@example.com"}, ov.From)
	assert.Equal(t, "2@example.com", ov.MessageID)
}

func TestPseudoMessageIsHidden(t *testing.T) {
	var b strings.Builder
	b.Write(pseudoMessage(uidState{validity: 1234, last: 3, keywords: []string{"$Work"}}, testTime()))
	for i := 1; i <= 3; i++ {
		b.WriteString(fmt.Sprintf("From sender%d@example.com Mon Jan  2 15:04:05 2006\n", i))
		b.WriteString(testHeader(i))
		b.WriteString(fmt.Sprintf("Status: O\nX-UID: %d\n\nbody\n\n", i))
	}
	path := writeMailbox(t, b.String())
	s := openStream(t, path, testOpts(t))

	assert.Equal(t, 3, s.Count())
	assert.Equal(t, 0, s.Recent())
	assert.Equal(t, uint32(1234), s.UIDValidity())
	assert.Equal(t, imap.UID(4), s.UIDNext())
	assert.Equal(t, []string{"$Work"}, s.Keywords())
	assert.False(t, s.Dirty())

	ov, err := s.FetchOverview(1)
	require.NoError(t, err)
	assert.Equal(t, "message 1", ov.Subject)
}

func TestUIDSequenceReset(t *testing.T) {
	tests := []struct {
		name string
		uids []int
	}{
		{name: "out of order", uids: []int{1, 3, 2}},
		{name: "duplicate", uids: []int{1, 1, 2}},
		{name: "beyond last", uids: []int{1, 2, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b strings.Builder
			b.Write(pseudoMessage(uidState{validity: 1234, last: 3}, testTime()))
			for i, uid := range tt.uids {
				b.WriteString(fmt.Sprintf("From sender%d@example.com Mon Jan  2 15:04:05 2006\n", i))
				b.WriteString(fmt.Sprintf("Subject: %d\nStatus: O\nX-UID: %d\n\nbody\n\n", i, uid))
			}
			path := writeMailbox(t, b.String())
			s := openStream(t, path, testOpts(t))

			assert.Greater(t, s.UIDValidity(), uint32(1234))
			for seq := 1; seq <= 3; seq++ {
				assert.Equal(t, imap.UID(seq), s.Entry(seq).UID)
			}
			assert.True(t, s.Dirty())
			assert.NotEmpty(t, s.Warnings())
		})
	}
}

func TestMissingUIDInsideSequence(t *testing.T) {
	build := func(uids []int) string {
		var b strings.Builder
		b.Write(pseudoMessage(uidState{validity: 1000, last: 5}, testTime()))
		for i, uid := range uids {
			b.WriteString(fmt.Sprintf("From sender%d@example.com Mon Jan  2 15:04:05 2006\n", i))
			b.WriteString(fmt.Sprintf("Subject: %d\nStatus: O\n", i))
			if uid > 0 {
				b.WriteString(fmt.Sprintf("X-UID: %d\n", uid))
			}
			b.WriteString("\nbody\n\n")
		}
		return b.String()
	}

	t.Run("gap before a persisted UID resets", func(t *testing.T) {
		path := writeMailbox(t, build([]int{1, 0, 2}))
		s := openStream(t, path, testOpts(t))

		assert.Greater(t, s.UIDValidity(), uint32(1000))
		for seq := 1; seq <= 3; seq++ {
			assert.Equal(t, imap.UID(seq), s.Entry(seq).UID)
		}
		assert.NotEmpty(t, s.Warnings())
	})

	t.Run("trailing gap keeps the generation", func(t *testing.T) {
		path := writeMailbox(t, build([]int{1, 2, 0}))
		opts := testOpts(t)
		s := openStream(t, path, opts)

		assert.Equal(t, uint32(1000), s.UIDValidity())
		assert.Equal(t, imap.UID(1), s.Entry(1).UID)
		assert.Equal(t, imap.UID(2), s.Entry(2).UID)
		assert.Equal(t, imap.UID(6), s.Entry(3).UID)
		require.NoError(t, s.Close(context.Background(), mailstore.CloseOptions{}))

		s = openStream(t, path, opts)
		assert.Equal(t, uint32(1000), s.UIDValidity())
		assert.Equal(t, imap.UID(6), s.Entry(3).UID)
		assert.Equal(t, imap.UID(7), s.UIDNext())
		assert.Empty(t, s.Warnings())
	})
}

func TestMalformedUIDIsReassigned(t *testing.T) {
	content := "From a@example.com Mon Jan  2 15:04:05 2006\nSubject: x\nX-UID: abc\n\nbody\n"
	path := writeMailbox(t, content)
	s := openStream(t, path, testOpts(t))

	require.Equal(t, 1, s.Count())
	assert.Equal(t, imap.UID(1), s.Entry(1).UID)
	require.NotEmpty(t, s.Warnings())
	assert.Contains(t, s.Warnings()[0], "X-UID")
}

func TestUIDsPersistAcrossSessions(t *testing.T) {
	path := writeMailbox(t, testMailbox(3))
	opts := testOpts(t)

	s := openStream(t, path, opts)
	validity := s.UIDValidity()
	require.NoError(t, s.Close(context.Background(), mailstore.CloseOptions{}))

	s = openStream(t, path, opts)
	assert.Equal(t, validity, s.UIDValidity())
	assert.Equal(t, 3, s.Count())
	assert.Equal(t, 0, s.Recent(), "written back messages are no longer recent")
	assert.False(t, s.Dirty())
	for seq := 1; seq <= 3; seq++ {
		assert.Equal(t, imap.UID(seq), s.Entry(seq).UID)
	}

	// New mail gets a higher UID in the same generation.
	require.NoError(t, Append(context.Background(), path, mailstore.Message{
		From: "new@example.com",
		Raw:  []byte(testHeader(4) + "\nnew body\n"),
	}, opts))
	var exists []int
	s.opts.Callbacks.Exists = func(n int) { exists = append(exists, n) }
	require.NoError(t, s.Ping(context.Background()))

	assert.Equal(t, []int{4}, exists)
	require.Equal(t, 4, s.Count())
	e := s.Entry(4)
	assert.Equal(t, imap.UID(4), e.UID)
	assert.Equal(t, validity, s.UIDValidity())
	assert.True(t, e.Flags.Has(mailstore.FlagRecent))
}

func TestFlagsRoundTrip(t *testing.T) {
	path := writeMailbox(t, testMailbox(3))
	opts := testOpts(t)

	var changed []int
	opts.Callbacks.FlagsChanged = func(seq int) { changed = append(changed, seq) }
	s := openStream(t, path, opts)
	require.NoError(t, s.SetFlags(2, mailstore.FlagSeen|mailstore.FlagFlagged, []string{"$Work"}))
	require.NoError(t, s.SetFlags(3, mailstore.FlagAnswered|mailstore.FlagDraft|mailstore.FlagRecent, nil))
	require.NoError(t, s.SetFlags(3, mailstore.FlagAnswered, nil))
	assert.Equal(t, []int{2, 3}, changed, "no-op changes do not notify")
	require.NoError(t, s.Close(context.Background(), mailstore.CloseOptions{}))

	s = openStream(t, path, testOpts(t))
	e := s.Entry(2)
	assert.True(t, e.Flags.Has(mailstore.FlagSeen|mailstore.FlagFlagged))
	assert.Equal(t, []string{"$Work"}, e.Keywords)
	assert.Equal(t, mailstore.FlagAnswered|mailstore.FlagDraft, s.Entry(3).Flags)
	assert.Zero(t, s.Entry(1).Flags)

	hdr, err := s.FetchHeader(2)
	require.NoError(t, err)
	assert.Equal(t, testHeader(2)+"\n", string(hdr), "codec fields are never returned")

	require.NoError(t, s.ClearFlags(2, mailstore.FlagFlagged, []string{"$Work", "$Unknown"}))
	require.NoError(t, s.Close(context.Background(), mailstore.CloseOptions{}))

	s = openStream(t, path, testOpts(t))
	e = s.Entry(2)
	assert.Equal(t, mailstore.FlagSeen, e.Flags)
	assert.Empty(t, e.Keywords)
	assert.Equal(t, []string{"$Work"}, s.Keywords(), "keyword slots are never freed")
}

func TestCloseDiscard(t *testing.T) {
	path := writeMailbox(t, testMailbox(1))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	s := openStream(t, path, testOpts(t))
	require.NoError(t, s.SetFlags(1, mailstore.FlagSeen, nil))
	require.NoError(t, s.Close(context.Background(), mailstore.CloseOptions{Discard: true}))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.ErrorIs(t, s.Close(context.Background(), mailstore.CloseOptions{}), errors.ErrStreamClosed)
}

func TestSetFlagsKeywordErrors(t *testing.T) {
	path := writeMailbox(t, testMailbox(1))
	opts := testOpts(t)
	opts.KeywordCapacity = 2
	s := openStream(t, path, opts)

	require.NoError(t, s.SetFlags(1, 0, []string{"one", "two"}))
	assert.ErrorIs(t, s.SetFlags(1, 0, []string{"three"}), errors.ErrKeywordTableFull)
	assert.ErrorIs(t, s.SetFlags(1, 0, []string{"bad(word"}), errors.ErrInvalidKeyword)
	assert.NoError(t, s.SetFlags(1, 0, []string{"ONE"}), "keywords match case-insensitively")
	assert.Equal(t, []string{"one", "two"}, s.Entry(1).Keywords)
}

func TestSetFlagsFullTableAllocatesNothing(t *testing.T) {
	path := writeMailbox(t, testMailbox(2))
	opts := testOpts(t)
	opts.KeywordCapacity = 2
	s := openStream(t, path, opts)

	require.NoError(t, s.SetFlags(1, 0, []string{"one"}))
	assert.ErrorIs(t, s.SetFlags(1, mailstore.FlagSeen, []string{"two", "three"}), errors.ErrKeywordTableFull)
	assert.Equal(t, []string{"one"}, s.Keywords(), "a rejected change leaves the table as it was")
	assert.False(t, s.Entry(1).Flags.Has(mailstore.FlagSeen))

	require.NoError(t, s.SetFlags(2, 0, []string{"Two", "two"}))
	assert.Equal(t, []string{"one", "Two"}, s.Keywords())
}

func TestMailboxNeverShrinks(t *testing.T) {
	path := writeMailbox(t, testMailbox(3))
	s := openStream(t, path, testOpts(t))
	require.Equal(t, 3, s.Count())

	require.NoError(t, os.Truncate(path, 20))
	err := s.Ping(context.Background())
	var ce *errors.CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, errors.ErrCorrupt)
	assert.Equal(t, int64(20), ce.Offset)
	assert.Equal(t, 0, s.Count(), "an aborted stream keeps no cache")

	assert.ErrorIs(t, s.Ping(context.Background()), errors.ErrCorrupt)
	_, err = s.Checkpoint(context.Background())
	assert.ErrorIs(t, err, errors.ErrCorrupt)
	assert.NoError(t, s.Close(context.Background(), mailstore.CloseOptions{}))
}

func TestCorruptDelimiter(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "first line", content: "From nobody at all\nSubject: x\n\nbody\n"},
		{name: "no delimiter", content: "Subject: x\n\nbody\n"},
		{name: "after blank line", content: testMessage(1) + "\nFrom someone sometime\nSubject: y\n\nbody\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeMailbox(t, tt.content)
			_, err := Open(context.Background(), path, testOpts(t))
			var ce *errors.CorruptionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, path, ce.Path)
		})
	}
}

func TestFromLineInsideBody(t *testing.T) {
	content := "From a@example.com Mon Jan  2 15:04:05 2006\nSubject: x\n\nline one\nFrom here on it is body\n"
	path := writeMailbox(t, content)
	s := openStream(t, path, testOpts(t))

	require.Equal(t, 1, s.Count())
	text, err := s.FetchText(1)
	require.NoError(t, err)
	assert.Equal(t, "line one\nFrom here on it is body\n", string(text))
}

func TestSecondWriterFallsBackToReadOnly(t *testing.T) {
	path := writeMailbox(t, testMailbox(2))
	opts := testOpts(t)

	owner := openStream(t, path, opts)
	require.False(t, owner.ReadOnly())

	other := openStream(t, path, opts)
	assert.True(t, other.ReadOnly())
	assert.NotEmpty(t, other.Warnings())
	assert.Equal(t, 2, other.Count())
	assert.ErrorIs(t, other.SetFlags(1, mailstore.FlagSeen, nil), errors.ErrReadOnly)
	_, err := other.Expunge(context.Background())
	assert.ErrorIs(t, err, errors.ErrReadOnly)
	assert.False(t, other.Dirty(), "readonly streams never schedule writes")

	strict := opts
	strict.RequireWrite = true
	_, err = Open(context.Background(), path, strict)
	assert.ErrorIs(t, err, errors.ErrMailboxLocked)

	require.NoError(t, owner.Close(context.Background(), mailstore.CloseOptions{}))
	require.NoError(t, other.Close(context.Background(), mailstore.CloseOptions{}))

	again := openStream(t, path, opts)
	assert.False(t, again.ReadOnly(), "ownership is free once the owner closes")
}

func TestBusyAdvisoryLockFallsBackToReadOnly(t *testing.T) {
	path := writeMailbox(t, testMailbox(2))
	require.NoError(t, os.WriteFile(path+".lock", []byte("1\n"), 0o644))
	opts := testOpts(t)
	opts.LockTimeout = 300 * time.Millisecond

	s := openStream(t, path, opts)
	assert.True(t, s.ReadOnly())
	assert.Equal(t, 2, s.Count())
	assert.NotEmpty(t, s.Warnings())
	require.NoError(t, s.Close(context.Background(), mailstore.CloseOptions{}))

	_, err := os.Stat(path + ".lock")
	assert.NoError(t, err, "the other process's lock is left alone")

	strict := opts
	strict.RequireWrite = true
	_, err = Open(context.Background(), path, strict)
	assert.ErrorIs(t, err, errors.ErrMailboxLocked)

	require.NoError(t, os.Remove(path+".lock"))
	again := openStream(t, path, opts)
	assert.False(t, again.ReadOnly(), "ownership is free once the lock is gone")
}

func TestExplicitReadOnly(t *testing.T) {
	path := writeMailbox(t, testMailbox(1))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	opts := testOpts(t)
	opts.ReadOnly = true
	s := openStream(t, path, opts)
	assert.True(t, s.ReadOnly())
	assert.Equal(t, imap.UID(1), s.Entry(1).UID)
	require.NoError(t, s.Check(context.Background()))
	require.NoError(t, s.Close(context.Background(), mailstore.CloseOptions{}))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestMessageNumberOutOfRangePanics(t *testing.T) {
	path := writeMailbox(t, testMailbox(1))
	s := openStream(t, path, testOpts(t))

	assert.Panics(t, func() { s.Entry(0) })
	assert.Panics(t, func() { _, _ = s.FetchBody(2) })
}
