package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Digest returns the BLAKE2b-256 hash binding a message body to its
// sender and receiver.
func Digest(msg Message) []byte {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{msg.Sender, msg.Receiver, msg.Body} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(part)))
		h.Write(l[:])
		h.Write([]byte(part))
	}
	return h.Sum(nil)
}

// VerifyDigest checks a stored message against its recorded digest
func VerifyDigest(msg Message, digest []byte) error {
	if !bytes.Equal(Digest(msg), digest) {
		return fmt.Errorf("%w: message %s", ErrCorrupted, msg.ID)
	}
	return nil
}
