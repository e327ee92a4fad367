package mailstore

import "bytes"

// SplitMessage splits a raw message at its first blank line. The header
// keeps its final line ending; the blank line belongs to neither part.
// A message with no blank line is all header.
func SplitMessage(raw []byte) (header, body []byte) {
	if bytes.HasPrefix(raw, []byte("\n")) {
		return nil, raw[1:]
	}
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return nil, raw[2:]
	}
	lf := bytes.Index(raw, []byte("\n\n"))
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf+2], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf+1], raw[lf+2:]
	default:
		return raw, nil
	}
}

// CRLFLen is the length of b with every bare LF counted as CRLF, the way
// RFC822.SIZE is reported.
func CRLFLen(b []byte) int64 {
	n := int64(len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' && (i == 0 || b[i-1] != '\r') {
			n++
		}
	}
	return n
}
