// This package defines a common id type used for request and transaction
// identifiers. It is based on random 16 byte values.
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"io"
)

type ID [16]byte

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

// NewTxnID returns a fresh transaction id suitable for use as a to-device
// transaction id or an outgoing request id.
func NewTxnID() string {
	id := NewID()
	return hex.EncodeToString(id[:])
}
