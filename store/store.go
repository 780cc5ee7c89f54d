// This package holds the end-to-end-encryption persistence layer: olm account
// and session pickles, inbound group sessions and their withheld markers,
// device tracking data, per-room encryption flags, backup bookkeeping and the
// outgoing room key request ledger. Two interchangeable backends satisfy one
// transactional contract, one durable on SQLCipher and one held in memory.
package store

import (
	"sort"
	"strings"
)

// Mode selects whether a transaction may write.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Table names one of the store's object collections. A transaction declares
// up front which tables it touches; transactions over overlapping table sets
// serialize against each other.
type Table string

const (
	TableAccount                      Table = "account"
	TableSessions                     Table = "sessions"
	TableSessionProblems              Table = "session_problems"
	TableNotifiedErrorDevices         Table = "notified_error_devices"
	TableInboundGroupSessions         Table = "inbound_group_sessions"
	TableInboundGroupSessionsWithheld Table = "inbound_group_sessions_withheld"
	TableDeviceData                   Table = "device_data"
	TableRooms                        Table = "rooms"
	TableSessionsNeedingBackup        Table = "sessions_needing_backup"
	TableSharedHistorySessions        Table = "shared_history_inbound_group_sessions"
	TableParkedSharedHistory          Table = "parked_shared_history"
	TableOutgoingRoomKeyRequests      Table = "outgoing_room_key_requests"
)

// AllTables lists every collection, in a stable order.
var AllTables = []Table{
	TableAccount,
	TableSessions,
	TableSessionProblems,
	TableNotifiedErrorDevices,
	TableInboundGroupSessions,
	TableInboundGroupSessionsWithheld,
	TableDeviceData,
	TableRooms,
	TableSessionsNeedingBackup,
	TableSharedHistorySessions,
	TableParkedSharedHistory,
	TableOutgoingRoomKeyRequests,
}

// Txn exposes every operation valid inside a transaction. Both backends
// implement it; callers obtain one only through Store.DoTxn.
type Txn interface {
	// olm account and identity material
	GetAccount() ([]byte, error)
	StoreAccount(pickle []byte) error
	GetCrossSigningKeys() ([]byte, error)
	StoreCrossSigningKeys(keys []byte) error
	GetSecretStorePrivateKey(name string) ([]byte, error)
	StoreSecretStorePrivateKey(name string, key []byte) error

	// 1:1 olm sessions
	CountSessions() (int, error)
	GetSession(deviceKey, sessionID string) (*SessionInfo, error)
	GetSessionsForDevice(deviceKey string) ([]*SessionInfo, error)
	ForEachSession(fn func(*SessionInfo) error) error
	StoreSession(session *SessionInfo) error
	StoreSessionProblem(deviceKey, problemType string, fixed bool) error
	GetSessionProblem(deviceKey string, timestampMs uint64) (*SessionProblem, error)
	FilterOutNotifiedErrorDevices(devices []DeviceRef) ([]DeviceRef, error)

	// inbound group sessions. GetInboundGroupSession delivers the session
	// and its withheld marker together.
	GetInboundGroupSession(senderKey, sessionID string) (*InboundGroupSessionData, *Withheld, error)
	ForEachInboundGroupSession(fn func(*InboundGroupSession) error) error
	AddInboundGroupSession(senderKey, sessionID string, data *InboundGroupSessionData) error
	StoreInboundGroupSession(senderKey, sessionID string, data *InboundGroupSessionData) error
	StoreInboundGroupSessionWithheld(senderKey, sessionID string, withheld *Withheld) error

	// device tracking blob
	GetDeviceData() ([]byte, error)
	StoreDeviceData(data []byte) error

	// per-room encryption flags
	StoreRoomEncryption(roomID string, info *RoomEncryption) error
	GetRoomsEncryption() (map[string]*RoomEncryption, error)

	// backup bookkeeping
	MarkSessionsNeedingBackup(sessions []SessionKey) error
	UnmarkSessionsNeedingBackup(sessions []SessionKey) error
	CountSessionsNeedingBackup() (int, error)
	GetSessionsNeedingBackup(limit int) ([]*InboundGroupSession, error)

	// shared history
	AddSharedHistoryInboundGroupSession(roomID string, key SessionKey) error
	GetSharedHistoryInboundGroupSessions(roomID string) ([]SessionKey, error)
	AddParkedSharedHistory(roomID string, parked *ParkedSharedHistory) error
	TakeParkedSharedHistory(roomID string) ([]*ParkedSharedHistory, error)

	// outgoing room key request ledger
	GetOutgoingRoomKeyRequest(body RequestBody) (*OutgoingRoomKeyRequest, error)
	AddOutgoingRoomKeyRequest(req *OutgoingRoomKeyRequest) error
	GetOutgoingRoomKeyRequestByState(states []RequestState) (*OutgoingRoomKeyRequest, error)
	GetAllOutgoingRoomKeyRequestsByState(state RequestState) ([]*OutgoingRoomKeyRequest, error)
	GetOutgoingRoomKeyRequestsByTarget(userID, deviceID string, states []RequestState) ([]*OutgoingRoomKeyRequest, error)
	UpdateOutgoingRoomKeyRequest(requestID string, expectedState RequestState, updates *RequestUpdates) (*OutgoingRoomKeyRequest, error)
	DeleteOutgoingRoomKeyRequest(requestID string, expectedState RequestState) (*OutgoingRoomKeyRequest, error)
}

// Backend is one of the two storage implementations.
type Backend interface {
	Startup() error
	Close() error
	DeleteAllData() error
	DoTxn(mode Mode, scope []Table, fn func(Txn) error) error
}

// Store wraps a backend with the small set of operations that manage their
// own transaction for atomicity.
type Store struct {
	Backend
}

func New(backend Backend) *Store {
	return &Store{backend}
}

func txnLabel(scope []Table) string {
	names := make([]string, len(scope))
	for i, t := range scope {
		names[i] = string(t)
	}
	sort.Strings(names)
	return "txn " + strings.Join(names, ",")
}

// GetOrAddOutgoingRoomKeyRequest looks for an existing request with an equal
// body and, when none is found, adds the given one. The lookup and insert
// share one readwrite transaction, so two near-simultaneous calls with the
// same body cannot both win.
func (s *Store) GetOrAddOutgoingRoomKeyRequest(req *OutgoingRoomKeyRequest) (*OutgoingRoomKeyRequest, error) {
	var out *OutgoingRoomKeyRequest
	err := s.DoTxn(ReadWrite, []Table{TableOutgoingRoomKeyRequests}, func(txn Txn) error {
		existing, err := txn.GetOutgoingRoomKeyRequest(req.RequestBody)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		if err := txn.AddOutgoingRoomKeyRequest(req); err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

func (s *Store) GetOutgoingRoomKeyRequest(body RequestBody) (*OutgoingRoomKeyRequest, error) {
	var out *OutgoingRoomKeyRequest
	err := s.DoTxn(ReadOnly, []Table{TableOutgoingRoomKeyRequests}, func(txn Txn) error {
		var err error
		out, err = txn.GetOutgoingRoomKeyRequest(body)
		return err
	})
	return out, err
}

func (s *Store) GetOutgoingRoomKeyRequestByState(states []RequestState) (*OutgoingRoomKeyRequest, error) {
	var out *OutgoingRoomKeyRequest
	err := s.DoTxn(ReadOnly, []Table{TableOutgoingRoomKeyRequests}, func(txn Txn) error {
		var err error
		out, err = txn.GetOutgoingRoomKeyRequestByState(states)
		return err
	})
	return out, err
}

func (s *Store) GetAllOutgoingRoomKeyRequestsByState(state RequestState) ([]*OutgoingRoomKeyRequest, error) {
	var out []*OutgoingRoomKeyRequest
	err := s.DoTxn(ReadOnly, []Table{TableOutgoingRoomKeyRequests}, func(txn Txn) error {
		var err error
		out, err = txn.GetAllOutgoingRoomKeyRequestsByState(state)
		return err
	})
	return out, err
}

func (s *Store) GetOutgoingRoomKeyRequestsByTarget(userID, deviceID string, states []RequestState) ([]*OutgoingRoomKeyRequest, error) {
	var out []*OutgoingRoomKeyRequest
	err := s.DoTxn(ReadOnly, []Table{TableOutgoingRoomKeyRequests}, func(txn Txn) error {
		var err error
		out, err = txn.GetOutgoingRoomKeyRequestsByTarget(userID, deviceID, states)
		return err
	})
	return out, err
}

// UpdateOutgoingRoomKeyRequest applies updates to the request only when it is
// still in expectedState. A state mismatch is not an error; it returns nil to
// signal that another actor already moved the request on.
func (s *Store) UpdateOutgoingRoomKeyRequest(requestID string, expectedState RequestState, updates *RequestUpdates) (*OutgoingRoomKeyRequest, error) {
	var out *OutgoingRoomKeyRequest
	err := s.DoTxn(ReadWrite, []Table{TableOutgoingRoomKeyRequests}, func(txn Txn) error {
		var err error
		out, err = txn.UpdateOutgoingRoomKeyRequest(requestID, expectedState, updates)
		return err
	})
	return out, err
}

// DeleteOutgoingRoomKeyRequest deletes the request only when it is still in
// expectedState, returning nil (not an error) otherwise.
func (s *Store) DeleteOutgoingRoomKeyRequest(requestID string, expectedState RequestState) (*OutgoingRoomKeyRequest, error) {
	var out *OutgoingRoomKeyRequest
	err := s.DoTxn(ReadWrite, []Table{TableOutgoingRoomKeyRequests}, func(txn Txn) error {
		var err error
		out, err = txn.DeleteOutgoingRoomKeyRequest(requestID, expectedState)
		return err
	})
	return out, err
}

func (s *Store) MarkSessionsNeedingBackup(sessions []SessionKey) error {
	return s.DoTxn(ReadWrite, []Table{TableSessionsNeedingBackup}, func(txn Txn) error {
		return txn.MarkSessionsNeedingBackup(sessions)
	})
}

func (s *Store) UnmarkSessionsNeedingBackup(sessions []SessionKey) error {
	return s.DoTxn(ReadWrite, []Table{TableSessionsNeedingBackup}, func(txn Txn) error {
		return txn.UnmarkSessionsNeedingBackup(sessions)
	})
}

func (s *Store) CountSessionsNeedingBackup() (int, error) {
	var count int
	err := s.DoTxn(ReadOnly, []Table{TableSessionsNeedingBackup}, func(txn Txn) error {
		var err error
		count, err = txn.CountSessionsNeedingBackup()
		return err
	})
	return count, err
}

func (s *Store) GetSessionsNeedingBackup(limit int) ([]*InboundGroupSession, error) {
	var out []*InboundGroupSession
	err := s.DoTxn(ReadOnly, []Table{TableSessionsNeedingBackup, TableInboundGroupSessions}, func(txn Txn) error {
		var err error
		out, err = txn.GetSessionsNeedingBackup(limit)
		return err
	})
	return out, err
}

func (s *Store) StoreSessionProblem(deviceKey, problemType string, fixed bool) error {
	return s.DoTxn(ReadWrite, []Table{TableSessionProblems}, func(txn Txn) error {
		return txn.StoreSessionProblem(deviceKey, problemType, fixed)
	})
}

func (s *Store) GetSessionProblem(deviceKey string, timestampMs uint64) (*SessionProblem, error) {
	var out *SessionProblem
	err := s.DoTxn(ReadOnly, []Table{TableSessionProblems}, func(txn Txn) error {
		var err error
		out, err = txn.GetSessionProblem(deviceKey, timestampMs)
		return err
	})
	return out, err
}

// FilterOutNotifiedErrorDevices returns the devices whose decryption failure
// has not yet been surfaced, marking them so the next call excludes them.
func (s *Store) FilterOutNotifiedErrorDevices(devices []DeviceRef) ([]DeviceRef, error) {
	var out []DeviceRef
	err := s.DoTxn(ReadWrite, []Table{TableNotifiedErrorDevices}, func(txn Txn) error {
		var err error
		out, err = txn.FilterOutNotifiedErrorDevices(devices)
		return err
	})
	return out, err
}

func (s *Store) AddSharedHistoryInboundGroupSession(roomID string, key SessionKey) error {
	return s.DoTxn(ReadWrite, []Table{TableSharedHistorySessions}, func(txn Txn) error {
		return txn.AddSharedHistoryInboundGroupSession(roomID, key)
	})
}

func (s *Store) GetSharedHistoryInboundGroupSessions(roomID string) ([]SessionKey, error) {
	var out []SessionKey
	err := s.DoTxn(ReadOnly, []Table{TableSharedHistorySessions}, func(txn Txn) error {
		var err error
		out, err = txn.GetSharedHistoryInboundGroupSessions(roomID)
		return err
	})
	return out, err
}

func (s *Store) AddParkedSharedHistory(roomID string, parked *ParkedSharedHistory) error {
	return s.DoTxn(ReadWrite, []Table{TableParkedSharedHistory}, func(txn Txn) error {
		return txn.AddParkedSharedHistory(roomID, parked)
	})
}

// TakeParkedSharedHistory returns the room's parked entries and clears them
// in the same transaction.
func (s *Store) TakeParkedSharedHistory(roomID string) ([]*ParkedSharedHistory, error) {
	var out []*ParkedSharedHistory
	err := s.DoTxn(ReadWrite, []Table{TableParkedSharedHistory}, func(txn Txn) error {
		var err error
		out, err = txn.TakeParkedSharedHistory(roomID)
		return err
	})
	return out, err
}

func (s *Store) GetSecretStorePrivateKey(name string) ([]byte, error) {
	var out []byte
	err := s.DoTxn(ReadOnly, []Table{TableAccount}, func(txn Txn) error {
		var err error
		out, err = txn.GetSecretStorePrivateKey(name)
		return err
	})
	return out, err
}

func (s *Store) StoreSecretStorePrivateKey(name string, key []byte) error {
	return s.DoTxn(ReadWrite, []Table{TableAccount}, func(txn Txn) error {
		return txn.StoreSecretStorePrivateKey(name, key)
	})
}
