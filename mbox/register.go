package mbox

import (
	"context"

	"github.com/infodancer/mailstore"
)

// DriverName is the registry key of the mbox backend.
const DriverName = "mbox"

// Driver adapts the package functions to mailstore.Driver.
type Driver struct{}

// Register adds the mbox driver to reg.
func Register(reg *mailstore.Registry) {
	reg.Register(Driver{})
}

func (Driver) Name() string { return DriverName }

func (Driver) Valid(name string) bool { return Valid(name) }

func (Driver) Open(ctx context.Context, name string, opts mailstore.OpenOptions) (mailstore.Mailbox, error) {
	s, err := Open(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (Driver) Create(ctx context.Context, name string) error { return Create(ctx, name) }

func (Driver) Append(ctx context.Context, name string, msg mailstore.Message, opts mailstore.OpenOptions) error {
	return Append(ctx, name, msg, opts)
}

var _ mailstore.Driver = Driver{}
