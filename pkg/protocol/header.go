package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNeedMoreBytes  = errors.New("need more bytes")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Header represents the fixed frame header
type Header struct {
	Version uint8  // Protocol version
	Opcode  Opcode // Operation code
	Length  uint32 // Payload length, excluding the header
}

// Frame is one complete protocol message
type Frame struct {
	Version uint8
	Opcode  Opcode
	Payload []byte
}

// NewFrame creates a frame stamped with the current protocol version
func NewFrame(op Opcode, payload []byte) Frame {
	return Frame{Version: Version, Opcode: op, Payload: payload}
}

// Header returns the header describing f
func (f Frame) Header() Header {
	return Header{Version: f.Version, Opcode: f.Opcode, Length: uint32(len(f.Payload))}
}

// Encode encodes the header to bytes
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf
}

func (h *Header) put(buf []byte) {
	buf[0] = h.Version
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrNeedMoreBytes
	}

	h.Version = buf[0]
	h.Opcode = Opcode(buf[1])
	h.Length = binary.BigEndian.Uint32(buf[2:6])

	return nil
}

// Validate checks the advertised payload length against maxPayload
func (h *Header) Validate(maxPayload int) error {
	if h.Length > MaxPayloadLimit {
		return fmt.Errorf("%w: payload length %d exceeds 32-bit signed range", ErrMalformedFrame, h.Length)
	}
	if maxPayload > 0 && int64(h.Length) > int64(maxPayload) {
		return fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrMalformedFrame, h.Length, maxPayload)
	}
	return nil
}

// Encode serializes f into header followed by payload.
// The output is exactly HeaderSize + len(f.Payload) bytes.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	h := f.Header()
	h.put(buf)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeFrame decodes one frame from the front of buf and returns it with
// the number of bytes consumed. Nothing is consumed unless a whole frame is
// present: ErrNeedMoreBytes means the caller should retry with more data.
func DecodeFrame(buf []byte, maxPayload int) (Frame, int, error) {
	var h Header
	if err := h.Decode(buf); err != nil {
		return Frame{}, 0, err
	}
	if err := h.Validate(maxPayload); err != nil {
		return Frame{}, 0, err
	}

	total := HeaderSize + int(h.Length)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreBytes
	}

	var payload []byte
	if h.Length > 0 {
		payload = make([]byte, h.Length)
		copy(payload, buf[HeaderSize:total])
	}

	return Frame{Version: h.Version, Opcode: h.Opcode, Payload: payload}, total, nil
}

// ReadFrame reads one frame from an io.Reader
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}

	var h Header
	if err := h.Decode(buf); err != nil {
		return Frame{}, err
	}
	if err := h.Validate(maxPayload); err != nil {
		return Frame{}, err
	}

	if h.Length == 0 {
		return Frame{Version: h.Version, Opcode: h.Opcode}, nil
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	return Frame{Version: h.Version, Opcode: h.Opcode, Payload: payload}, nil
}

// WriteFrame writes one frame to an io.Writer in a single call
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}
