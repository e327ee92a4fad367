package mailstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/infodancer/mailstore/errors"
)

// Registry is a driver table. Backends add themselves with their
// package-level Register function:
//
//	reg := mailstore.NewRegistry()
//	mbox.Register(reg)
//	maildir.Register(reg)
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	order   []string
}

// NewRegistry returns an empty driver table.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver to the registry.
// It panics if called with a nil driver, an empty name,
// or if the name is already registered.
func (r *Registry) Register(d Driver) {
	if d == nil {
		panic("mailstore: Register called with nil driver")
	}
	name := d.Name()
	if name == "" {
		panic("mailstore: Register called with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[name]; exists {
		panic("mailstore: Register called twice for " + name)
	}
	r.drivers[name] = d
	r.order = append(r.order, name)
}

// Lookup returns the driver registered under name.
func (r *Registry) Lookup(name string) (Driver, error) {
	r.mu.RLock()
	d, ok := r.drivers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.ErrStoreNotRegistered
	}
	return d, nil
}

// Types returns a sorted list of registered driver names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Valid returns the first driver, in registration order, that accepts mailbox.
func (r *Registry) Valid(mailbox string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if d := r.drivers[name]; d.Valid(mailbox) {
			return d, nil
		}
	}
	return nil, errors.ErrNoDriver
}

// Open opens mailbox with whichever driver recognizes it.
func (r *Registry) Open(ctx context.Context, mailbox string, opts OpenOptions) (Mailbox, error) {
	d, err := r.Valid(mailbox)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", mailbox, err)
	}
	return d.Open(ctx, mailbox, opts)
}

// Append adds msg to mailbox with whichever driver recognizes it.
func (r *Registry) Append(ctx context.Context, mailbox string, msg Message, opts OpenOptions) error {
	d, err := r.Valid(mailbox)
	if err != nil {
		return fmt.Errorf("append %s: %w", mailbox, err)
	}
	return d.Append(ctx, mailbox, msg, opts)
}

// Copy appends messages from src to dest, which may belong to any driver.
func (r *Registry) Copy(ctx context.Context, src Mailbox, seqs []int, dest string, opts OpenOptions) error {
	d, err := r.Valid(dest)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dest, err)
	}
	for _, seq := range seqs {
		msg, err := ExportMessage(src, seq)
		if err != nil {
			return fmt.Errorf("copy message %d: %w", seq, err)
		}
		if err := d.Append(ctx, dest, msg, opts); err != nil {
			return fmt.Errorf("copy message %d: %w", seq, err)
		}
	}
	return nil
}

// ExportMessage reads message seq from mb as an appendable Message
// carrying its permanent flags, keywords and internal date.
func ExportMessage(mb Mailbox, seq int) (Message, error) {
	e := mb.Entry(seq)
	raw, err := mb.FetchBody(seq)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Date:     e.InternalDate,
		Flags:    e.Flags & PermanentFlags,
		Keywords: e.Keywords,
		Raw:      raw,
	}, nil
}
