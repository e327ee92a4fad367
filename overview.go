package mailstore

import (
	"bufio"
	"bytes"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ParseOverview reads envelope fields from a header block. Fields that
// fail to decode are left empty rather than failing the whole header.
func ParseOverview(header []byte) (Overview, error) {
	header = bytes.Clone(header)
	if !bytes.HasSuffix(header, []byte("\n")) {
		header = append(header, '\n')
	}
	if !bytes.HasSuffix(header, []byte("\n\n")) && !bytes.HasSuffix(header, []byte("\n\r\n")) {
		header = append(header, '\n')
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return Overview{}, err
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var ov Overview
	ov.Date, _ = h.Date()
	if ov.Subject, err = h.Subject(); err != nil {
		ov.Subject = h.Get("Subject")
	}
	ov.MessageID, _ = h.MessageID()
	ov.From = addresses(h, "From")
	ov.To = addresses(h, "To")
	return ov, nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		if raw := h.Get(key); raw != "" {
			return []string{raw}
		}
		return nil
	}
	out := make([]string, len(list))
	for i, a := range list {
		if a.Name == "" {
			out[i] = a.Address
			continue
		}
		out[i] = a.String()
	}
	return out
}
