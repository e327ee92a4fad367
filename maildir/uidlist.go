package maildir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// uidListName is the file in the maildir root that maps message keys to
// UIDs across sessions.
const uidListName = "mailstore-uidlist"

// uidList is the persisted key to UID map.
//
// The file format is a version line "1 <validity> <next>" followed by one
// "<uid> <key>" line per message, in UID order.
type uidList struct {
	path     string
	validity uint32
	next     imap.UID
	uids     map[string]imap.UID
	changed  bool
}

// loadUIDList reads the list for the maildir at dir. A missing file starts
// a new validity generation; a damaged one does too and is reported.
func loadUIDList(dir string) (*uidList, error) {
	l := &uidList{path: filepath.Join(dir, uidListName)}
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		l.reset(0)
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if perr := l.parse(bufio.NewScanner(f)); perr != nil {
		l.reset(l.validity)
		return l, fmt.Errorf("%s: %w", l.path, perr)
	}
	return l, nil
}

func (l *uidList) parse(sc *bufio.Scanner) error {
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return fmt.Errorf("empty uid list")
	}
	head := strings.Fields(sc.Text())
	if len(head) != 3 || head[0] != "1" {
		return fmt.Errorf("bad header %q", sc.Text())
	}
	validity, err := strconv.ParseUint(head[1], 10, 32)
	if err != nil || validity == 0 {
		return fmt.Errorf("bad uid validity %q", head[1])
	}
	next, err := strconv.ParseUint(head[2], 10, 32)
	if err != nil || next == 0 {
		return fmt.Errorf("bad next uid %q", head[2])
	}
	l.validity, l.next = uint32(validity), imap.UID(next)
	l.uids = make(map[string]imap.UID)

	var prev imap.UID
	for sc.Scan() {
		uidText, key, ok := strings.Cut(sc.Text(), " ")
		if !ok || key == "" {
			return fmt.Errorf("bad entry %q", sc.Text())
		}
		uid, err := strconv.ParseUint(uidText, 10, 32)
		if err != nil || imap.UID(uid) <= prev || imap.UID(uid) >= l.next {
			return fmt.Errorf("bad uid in entry %q", sc.Text())
		}
		prev = imap.UID(uid)
		l.uids[key] = prev
	}
	return sc.Err()
}

// reset starts a new validity generation greater than old.
func (l *uidList) reset(old uint32) {
	validity := uint32(time.Now().Unix())
	if validity <= old {
		validity = old + 1
	}
	l.validity = validity
	l.next = 1
	l.uids = make(map[string]imap.UID)
	l.changed = true
}

// lookup returns the UID of key, if any.
func (l *uidList) lookup(key string) (imap.UID, bool) {
	uid, ok := l.uids[key]
	return uid, ok
}

// assign gives key the next UID.
func (l *uidList) assign(key string) imap.UID {
	uid := l.next
	l.next++
	l.uids[key] = uid
	l.changed = true
	return uid
}

// forget drops keys no longer in the maildir.
func (l *uidList) forget(key string) {
	if _, ok := l.uids[key]; ok {
		delete(l.uids, key)
		l.changed = true
	}
}

// save writes the list if it changed, via a temporary file and a rename.
func (l *uidList) save() error {
	if !l.changed {
		return nil
	}
	keys := make([]string, 0, len(l.uids))
	for k := range l.uids {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return l.uids[keys[i]] < l.uids[keys[j]] })

	tmp, err := os.CreateTemp(filepath.Dir(l.path), "."+uidListName+"-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "1 %d %d\n", l.validity, l.next)
	for _, k := range keys {
		fmt.Fprintf(w, "%d %s\n", l.uids[k], k)
	}
	err = w.Flush()
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return err
	}
	l.changed = false
	return nil
}
