package backup

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func TestRecoveryKeyRoundTrip(t *testing.T) {
	require := require.New(t)
	key := NewBackupKey()
	encoded := EncodeRecoveryKey(key)
	decoded, err := DecodeRecoveryKey(encoded)
	require.Nil(err)
	require.Equal(key, decoded)
}

func TestRecoveryKeyIgnoresWhitespace(t *testing.T) {
	require := require.New(t)
	key := NewBackupKey()
	encoded := "  " + EncodeRecoveryKey(key) + "\n"
	decoded, err := DecodeRecoveryKey(encoded)
	require.Nil(err)
	require.Equal(key, decoded)
}

func TestRecoveryKeyRejectsCorruption(t *testing.T) {
	require := require.New(t)
	key := NewBackupKey()

	// corrupt a key byte after the parity byte was computed
	buf := append([]byte{0x8b, 0x01}, key...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf[10] ^= 0xff
	tampered := base58.Encode(append(buf, parity))
	_, err := DecodeRecoveryKey(tampered)
	require.ErrorIs(err, ErrBadRecoveryKey)

	_, err = DecodeRecoveryKey("not a recovery key !!!")
	require.ErrorIs(err, ErrBadRecoveryKey)

	_, err = DecodeRecoveryKey("")
	require.ErrorIs(err, ErrBadRecoveryKey)
}
