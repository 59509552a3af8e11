package protocol

import (
	"encoding/binary"
	"fmt"
)

// Size of the length prefix in front of every string field
const stringLenSize = 4

// PayloadWriter builds a payload from length-prefixed strings followed by
// single-byte scalars.
type PayloadWriter struct {
	buf []byte
}

// String appends a length-prefixed UTF-8 string
func (w *PayloadWriter) String(s string) *PayloadWriter {
	var l [stringLenSize]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	w.buf = append(w.buf, l[:]...)
	w.buf = append(w.buf, s...)
	return w
}

// Bool appends a one-byte boolean flag
func (w *PayloadWriter) Bool(b bool) *PayloadWriter {
	if b {
		w.buf = append(w.buf, 0x01)
	} else {
		w.buf = append(w.buf, 0x00)
	}
	return w
}

// Bytes returns the encoded payload
func (w *PayloadWriter) Bytes() []byte {
	return w.buf
}

// PayloadReader consumes a payload field by field
type PayloadReader struct {
	buf    []byte
	offset int
}

// NewPayloadReader creates a reader over payload
func NewPayloadReader(payload []byte) *PayloadReader {
	return &PayloadReader{buf: payload}
}

// Remaining returns the number of unread bytes
func (r *PayloadReader) Remaining() int {
	return len(r.buf) - r.offset
}

// String reads one length-prefixed string
func (r *PayloadReader) String() (string, error) {
	if r.Remaining() < stringLenSize {
		return "", fmt.Errorf("%w: string length prefix truncated at offset %d", ErrMalformedFrame, r.offset)
	}

	n := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += stringLenSize

	if uint64(n) > uint64(r.Remaining()) {
		return "", fmt.Errorf("%w: string length %d exceeds remaining %d bytes", ErrMalformedFrame, n, r.Remaining())
	}

	s := string(r.buf[r.offset : r.offset+int(n)])
	r.offset += int(n)

	return s, nil
}

// Bool reads a one-byte boolean flag
func (r *PayloadReader) Bool() (bool, error) {
	if r.Remaining() < 1 {
		return false, fmt.Errorf("%w: missing boolean at offset %d", ErrMalformedFrame, r.offset)
	}

	b := r.buf[r.offset]
	r.offset++

	switch b {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid boolean 0x%02x", ErrMalformedFrame, b)
	}
}

// Done fails if any payload bytes were left unread
func (r *PayloadReader) Done() error {
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing payload bytes", ErrMalformedFrame, r.Remaining())
	}
	return nil
}

// EncodeStrings packs strs as consecutive length-prefixed blocks
func EncodeStrings(strs ...string) []byte {
	w := &PayloadWriter{}
	for _, s := range strs {
		w.String(s)
	}
	return w.Bytes()
}

// DecodeStrings unpacks exactly n length-prefixed strings from payload
func DecodeStrings(payload []byte, n int) ([]string, error) {
	r := NewPayloadReader(payload)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return out, nil
}
