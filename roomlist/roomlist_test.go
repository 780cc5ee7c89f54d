package roomlist

import (
	"sort"
	"testing"

	"github.com/quince-im/go-cryptostore/clock"
	"github.com/quince-im/go-cryptostore/config"
	"github.com/quince-im/go-cryptostore/store"
	"github.com/stretchr/testify/require"
)

func newList() (*List, *store.Store) {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	s := store.New(store.NewMemoryBackend(c, clock.NewSystemClock()))
	return NewList(c, s), s
}

func TestSetAndQueryRoomEncryption(t *testing.T) {
	require := require.New(t)
	l, _ := newList()
	require.Nil(l.Init())

	require.False(l.IsRoomEncrypted("!a:example.com"))
	require.Nil(l.SetRoomEncryption("!a:example.com", &store.RoomEncryption{Algorithm: "m.megolm.v1.aes-sha2", RotationPeriodMsgs: 100}))

	require.True(l.IsRoomEncrypted("!a:example.com"))
	info := l.RoomEncryption("!a:example.com")
	require.NotNil(info)
	require.Equal(uint64(100), info.RotationPeriodMsgs)
	require.Nil(l.RoomEncryption("!b:example.com"))
}

func TestFirstWriteWins(t *testing.T) {
	require := require.New(t)
	l, _ := newList()
	require.Nil(l.Init())

	require.Nil(l.SetRoomEncryption("!a:example.com", &store.RoomEncryption{Algorithm: "m.megolm.v1.aes-sha2"}))
	require.Nil(l.SetRoomEncryption("!a:example.com", &store.RoomEncryption{Algorithm: "m.weaker.algorithm"}))

	require.Equal("m.megolm.v1.aes-sha2", l.RoomEncryption("!a:example.com").Algorithm)
}

func TestInitLoadsPersistedRooms(t *testing.T) {
	require := require.New(t)
	l, s := newList()
	require.Nil(l.Init())
	require.Nil(l.SetRoomEncryption("!a:example.com", &store.RoomEncryption{Algorithm: "m.megolm.v1.aes-sha2"}))
	require.Nil(l.SetRoomEncryption("!b:example.com", &store.RoomEncryption{Algorithm: "m.megolm.v1.aes-sha2"}))

	// a second registry over the same store sees the writes
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	l2 := NewList(c, s)
	require.Nil(l2.Init())
	rooms := l2.EncryptedRooms()
	sort.Strings(rooms)
	require.Equal([]string{"!a:example.com", "!b:example.com"}, rooms)
	require.True(l2.IsRoomEncrypted("!a:example.com"))
}
