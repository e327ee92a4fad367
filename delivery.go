package mailstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/infodancer/mailstore/errors"
)

// DeliveryAgent handles message delivery to storage.
// smtpd calls Deliver() after a message passes filtering.
type DeliveryAgent interface {
	// Deliver stores a message for the specified recipients.
	// envelope contains sender and recipient information.
	// message is the raw RFC 5322 message content.
	Deliver(ctx context.Context, envelope Envelope, message io.Reader) error
}

// Envelope contains the message envelope information from the SMTP transaction.
type Envelope struct {
	// From is the MAIL FROM address (reverse-path).
	From string

	// Recipients contains the RCPT TO addresses (forward-paths).
	Recipients []string

	// ReceivedTime is when the message was received by the server.
	ReceivedTime time.Time

	// ClientIP is the IP address of the connecting client.
	ClientIP net.IP

	// ClientHostname is the hostname provided in EHLO/HELO.
	ClientHostname string
}

// Recipient is a forward-path split into its mailbox address and
// subaddress extension.
type Recipient struct {
	// Address is the recipient with the extension removed, e.g. user@example.com.
	Address string
	// Extension is the part after the first '+' in the local part, if any.
	Extension string
}

// ParseRecipient strips a "+extension" from the local part of addr, so
// user+folder@example.com delivers to user@example.com.
func ParseRecipient(addr string) Recipient {
	local, domain, hasDomain := addr, "", false
	if idx := strings.LastIndex(addr, "@"); idx >= 0 {
		local, domain, hasDomain = addr[:idx], addr[idx+1:], true
	}
	base, ext, _ := strings.Cut(local, "+")
	if hasDomain {
		base += "@" + domain
	}
	return Recipient{Address: base, Extension: ext}
}

// Deliver implements DeliveryAgent. Each recipient's mailbox is created
// on first delivery. Delivery succeeds if at least one recipient got the
// message; otherwise the last error is returned.
func (s *Store) Deliver(ctx context.Context, envelope Envelope, message io.Reader) error {
	if len(envelope.Recipients) == 0 {
		return errors.ErrNoRecipients
	}

	// Read message into memory for multi-recipient delivery
	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}
	received := envelope.ReceivedTime
	if received.IsZero() {
		received = time.Now()
	}
	msg := Message{From: envelope.From, Date: received, Raw: data}

	var lastErr error
	delivered := 0

	for _, recipient := range envelope.Recipients {
		parsed := ParseRecipient(recipient)
		path, err := s.ensureMailbox(ctx, parsed.Address)
		if err != nil {
			s.log.Warn("delivery failed", slog.String("recipient", recipient), slog.Any("error", err))
			lastErr = err
			continue
		}
		if err := s.driver.Append(ctx, path, msg, s.opts); err != nil {
			s.log.Warn("delivery failed", slog.String("recipient", recipient), slog.Any("error", err))
			lastErr = err
			continue
		}
		s.log.Debug("message delivered",
			slog.String("recipient", parsed.Address),
			slog.String("extension", parsed.Extension),
			slog.Int("bytes", len(data)))
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("%w: %w", errors.ErrDeliveryFailed, lastErr)
	}
	return nil
}

// ensureMailbox resolves mailbox and creates it if it does not exist yet.
func (s *Store) ensureMailbox(ctx context.Context, mailbox string) (string, error) {
	path, err := s.mailboxPath(mailbox)
	if err != nil {
		return "", err
	}
	if s.driver.Valid(path) {
		return path, nil
	}
	if err := s.driver.Create(ctx, path); err != nil && !stderrors.Is(err, errors.ErrMailboxExists) {
		return "", err
	}
	return path, nil
}
