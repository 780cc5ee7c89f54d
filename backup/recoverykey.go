package backup

import (
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

// ErrBadRecoveryKey means a recovery key failed to parse or its parity check
// failed.
var ErrBadRecoveryKey = errors.New("backup: bad recovery key")

var recoveryKeyPrefix = []byte{0x8b, 0x01}

const recoveryKeyLength = 32

// EncodeRecoveryKey renders a backup private key in the human-transcribable
// recovery key form: base58 of prefix || key || parity, in groups of four.
func EncodeRecoveryKey(key []byte) string {
	buf := make([]byte, 0, len(recoveryKeyPrefix)+len(key)+1)
	buf = append(buf, recoveryKeyPrefix...)
	buf = append(buf, key...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	encoded := base58.Encode(buf)
	var out strings.Builder
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			out.WriteByte(' ')
		}
		end := i + 4
		if end > len(encoded) {
			end = len(encoded)
		}
		out.WriteString(encoded[i:end])
	}
	return out.String()
}

// DecodeRecoveryKey parses a recovery key back into the private key,
// ignoring whitespace and checking the prefix and parity byte.
func DecodeRecoveryKey(recoveryKey string) ([]byte, error) {
	stripped := strings.Join(strings.Fields(recoveryKey), "")
	decoded, err := base58.Decode(stripped)
	if err != nil {
		return nil, ErrBadRecoveryKey
	}
	var parity byte
	for _, b := range decoded {
		parity ^= b
	}
	if parity != 0 {
		return nil, ErrBadRecoveryKey
	}
	if len(decoded) != len(recoveryKeyPrefix)+recoveryKeyLength+1 {
		return nil, ErrBadRecoveryKey
	}
	for i, b := range recoveryKeyPrefix {
		if decoded[i] != b {
			return nil, ErrBadRecoveryKey
		}
	}
	return decoded[len(recoveryKeyPrefix) : len(recoveryKeyPrefix)+recoveryKeyLength], nil
}
