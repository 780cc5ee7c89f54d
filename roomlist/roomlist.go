// Read-through registry of which rooms use encryption and with what
// parameters. Backed by the store's rooms table; the whole table is loaded
// once at startup and kept in memory, writes go through to the store.
package roomlist

import (
	"fmt"
	"sync"

	"github.com/quince-im/go-cryptostore/config"
	"github.com/quince-im/go-cryptostore/store"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type List struct {
	log   *zap.SugaredLogger
	store *store.Store

	lock  sync.RWMutex
	rooms map[string]*store.RoomEncryption
}

func NewList(c *config.Config, s *store.Store) *List {
	return &List{
		log:   c.Logger("roomlist"),
		store: s,
		rooms: make(map[string]*store.RoomEncryption),
	}
}

// Init loads every room's encryption record in one readonly transaction.
func (l *List) Init() error {
	var rooms map[string]*store.RoomEncryption
	err := l.store.DoTxn(store.ReadOnly, []store.Table{store.TableRooms}, func(txn store.Txn) error {
		var err error
		rooms, err = txn.GetRoomsEncryption()
		return err
	})
	if err != nil {
		return fmt.Errorf("roomlist: loading rooms: %w", err)
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	l.rooms = rooms
	return nil
}

// SetRoomEncryption records that a room uses encryption. The first write for
// a room wins; once set, the algorithm and rotation parameters never change.
func (l *List) SetRoomEncryption(roomID string, info *store.RoomEncryption) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if existing, ok := l.rooms[roomID]; ok {
		if existing.Algorithm != info.Algorithm {
			l.log.Warnf("ignoring attempt to change algorithm for room %s from %s to %s", roomID, existing.Algorithm, info.Algorithm)
		}
		return nil
	}
	err := l.store.DoTxn(store.ReadWrite, []store.Table{store.TableRooms}, func(txn store.Txn) error {
		return txn.StoreRoomEncryption(roomID, info)
	})
	if err != nil {
		return fmt.Errorf("roomlist: storing room %s: %w", roomID, err)
	}
	l.rooms[roomID] = info
	return nil
}

func (l *List) RoomEncryption(roomID string) *store.RoomEncryption {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.rooms[roomID]
}

func (l *List) IsRoomEncrypted(roomID string) bool {
	return l.RoomEncryption(roomID) != nil
}

func (l *List) EncryptedRooms() []string {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return maps.Keys(l.rooms)
}
