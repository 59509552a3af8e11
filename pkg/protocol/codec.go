package protocol

// Decoder reassembles frames from a byte stream delivered in arbitrary chunks.
// It is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	maxPayload int
}

// NewDecoder creates a decoder that rejects payloads larger than maxPayload.
// A non-positive maxPayload selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends received bytes to the decoder
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Next returns the next complete frame. It returns ErrNeedMoreBytes when the
// buffered bytes do not yet hold a whole frame, and an ErrMalformedFrame
// error when the stream can no longer be trusted.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := DecodeFrame(d.buf, d.maxPayload)
	if err != nil {
		return Frame{}, err
	}

	// Compact so a long-lived connection does not pin old chunks.
	rest := len(d.buf) - n
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]

	return f, nil
}

// Buffered returns the number of bytes waiting for a complete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
