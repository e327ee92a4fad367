package mailstore

// DiskDecision is the caller's answer to a failed write during a rewrite.
type DiskDecision int

const (
	// DiskAbort restores the mailbox to its pre-rewrite content and fails the rewrite.
	DiskAbort DiskDecision = iota
	// DiskRetry repeats the failed copy-back.
	DiskRetry
)

// Callbacks are the points where a backend calls out to its owner.
// Any nil field is skipped; a nil DiskError means DiskAbort.
type Callbacks struct {
	// Exists is called with the new message count after new mail is parsed.
	Exists func(count int)

	// Expunged is called once per removed message, highest number first,
	// before the message is dropped from the stream.
	Expunged func(seq int)

	// FlagsChanged is called after a message's flags change in memory.
	FlagsChanged func(seq int)

	// DiskError decides whether a failed write is retried or aborted.
	// atRisk is true when the live mailbox has already been partially overwritten.
	DiskError func(err error, atRisk bool) DiskDecision
}

// NotifyExists invokes Exists if set.
func (c Callbacks) NotifyExists(count int) {
	if c.Exists != nil {
		c.Exists(count)
	}
}

// NotifyExpunged invokes Expunged if set.
func (c Callbacks) NotifyExpunged(seq int) {
	if c.Expunged != nil {
		c.Expunged(seq)
	}
}

// NotifyFlagsChanged invokes FlagsChanged if set.
func (c Callbacks) NotifyFlagsChanged(seq int) {
	if c.FlagsChanged != nil {
		c.FlagsChanged(seq)
	}
}

// DecideDiskError asks DiskError, defaulting to DiskAbort.
func (c Callbacks) DecideDiskError(err error, atRisk bool) DiskDecision {
	if c.DiskError == nil {
		return DiskAbort
	}
	return c.DiskError(err, atRisk)
}
