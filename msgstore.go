package mailstore

// MsgStore combines delivery and storage operations.
// It embeds both DeliveryAgent (for smtpd message delivery) and
// MessageStore (for pop3d retrieval).
type MsgStore interface {
	DeliveryAgent
	MessageStore
}

var _ MsgStore = (*Store)(nil)
