package store

import (
	"sort"
	"sync"

	"github.com/quince-im/go-cryptostore/clock"
	"github.com/quince-im/go-cryptostore/config"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// memoryBackend mirrors the durable store without persistence, for tests and
// guest sessions. Each table carries its own lock; a transaction takes the
// locks for its declared scope in a fixed order, so overlapping scopes
// serialize while disjoint ones proceed. Readwrite transactions run against
// copies of the scoped tables which are swapped in only on commit.
type memoryBackend struct {
	log    *zap.SugaredLogger
	clock  clock.Clock
	locks  map[Table]*sync.RWMutex
	tables *memTables
}

type memTables struct {
	account               []byte
	crossSigningKeys      []byte
	privateKeys           map[string][]byte
	sessions              map[string]map[string]*SessionInfo
	sessionProblems       map[string][]*SessionProblem
	notifiedErrorDevices  map[DeviceRef]bool
	inboundGroupSessions  map[SessionKey]*InboundGroupSessionData
	withheld              map[SessionKey]*Withheld
	deviceData            []byte
	rooms                 map[string]*RoomEncryption
	sessionsNeedingBackup map[SessionKey]bool
	sharedHistory         map[string][]SessionKey
	parkedSharedHistory   map[string][]*ParkedSharedHistory
	outgoingRequests      []*OutgoingRoomKeyRequest
}

func newMemTables() *memTables {
	return &memTables{
		privateKeys:           make(map[string][]byte),
		sessions:              make(map[string]map[string]*SessionInfo),
		sessionProblems:       make(map[string][]*SessionProblem),
		notifiedErrorDevices:  make(map[DeviceRef]bool),
		inboundGroupSessions:  make(map[SessionKey]*InboundGroupSessionData),
		withheld:              make(map[SessionKey]*Withheld),
		rooms:                 make(map[string]*RoomEncryption),
		sessionsNeedingBackup: make(map[SessionKey]bool),
		sharedHistory:         make(map[string][]SessionKey),
		parkedSharedHistory:   make(map[string][]*ParkedSharedHistory),
	}
}

func NewMemoryBackend(c *config.Config, cl clock.Clock) Backend {
	locks := make(map[Table]*sync.RWMutex, len(AllTables))
	for _, t := range AllTables {
		locks[t] = &sync.RWMutex{}
	}
	return &memoryBackend{
		log:    c.Logger("store/memory"),
		clock:  cl,
		locks:  locks,
		tables: newMemTables(),
	}
}

func (b *memoryBackend) Startup() error {
	// no startup work for the memory store
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}

func (b *memoryBackend) DeleteAllData() error {
	for _, t := range AllTables {
		b.locks[t].Lock()
	}
	defer func() {
		for _, t := range AllTables {
			b.locks[t].Unlock()
		}
	}()
	b.tables = newMemTables()
	return nil
}

func (b *memoryBackend) DoTxn(mode Mode, scope []Table, fn func(Txn) error) error {
	ordered := slices.Clone(scope)
	slices.Sort(ordered)
	for _, t := range ordered {
		if mode == ReadOnly {
			b.locks[t].RLock()
		} else {
			b.locks[t].Lock()
		}
	}
	defer func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			if mode == ReadOnly {
				b.locks[ordered[i]].RUnlock()
			} else {
				b.locks[ordered[i]].Unlock()
			}
		}
	}()

	if mode == ReadOnly {
		txn := &memTxn{tables: b.tables, clock: b.clock}
		return fn(txn)
	}

	staged := b.tables.cloneScope(scope)
	txn := &memTxn{tables: staged, clock: b.clock}
	if err := fn(txn); err != nil {
		b.log.Debugf("discarding staged tables due to %v", err)
		return err
	}
	b.tables.commitScope(staged, scope)
	return nil
}

// cloneScope copies the containers of the scoped tables; everything else is
// shared by reference. Records themselves are treated as immutable, so a
// shallow copy of each container suffices.
func (t *memTables) cloneScope(scope []Table) *memTables {
	staged := &memTables{}
	*staged = *t
	for _, table := range scope {
		switch table {
		case TableAccount:
			staged.privateKeys = maps.Clone(t.privateKeys)
		case TableSessions:
			staged.sessions = make(map[string]map[string]*SessionInfo, len(t.sessions))
			for k, v := range t.sessions {
				staged.sessions[k] = maps.Clone(v)
			}
		case TableSessionProblems:
			staged.sessionProblems = clonedSliceMap(t.sessionProblems)
		case TableNotifiedErrorDevices:
			staged.notifiedErrorDevices = maps.Clone(t.notifiedErrorDevices)
		case TableInboundGroupSessions:
			staged.inboundGroupSessions = maps.Clone(t.inboundGroupSessions)
		case TableInboundGroupSessionsWithheld:
			staged.withheld = maps.Clone(t.withheld)
		case TableRooms:
			staged.rooms = maps.Clone(t.rooms)
		case TableSessionsNeedingBackup:
			staged.sessionsNeedingBackup = maps.Clone(t.sessionsNeedingBackup)
		case TableSharedHistorySessions:
			staged.sharedHistory = clonedSliceMap(t.sharedHistory)
		case TableParkedSharedHistory:
			staged.parkedSharedHistory = clonedSliceMap(t.parkedSharedHistory)
		case TableOutgoingRoomKeyRequests:
			staged.outgoingRequests = append([]*OutgoingRoomKeyRequest{}, t.outgoingRequests...)
		}
	}
	return staged
}

func (t *memTables) commitScope(staged *memTables, scope []Table) {
	for _, table := range scope {
		switch table {
		case TableAccount:
			t.account = staged.account
			t.crossSigningKeys = staged.crossSigningKeys
			t.privateKeys = staged.privateKeys
		case TableSessions:
			t.sessions = staged.sessions
		case TableSessionProblems:
			t.sessionProblems = staged.sessionProblems
		case TableNotifiedErrorDevices:
			t.notifiedErrorDevices = staged.notifiedErrorDevices
		case TableInboundGroupSessions:
			t.inboundGroupSessions = staged.inboundGroupSessions
		case TableInboundGroupSessionsWithheld:
			t.withheld = staged.withheld
		case TableDeviceData:
			t.deviceData = staged.deviceData
		case TableRooms:
			t.rooms = staged.rooms
		case TableSessionsNeedingBackup:
			t.sessionsNeedingBackup = staged.sessionsNeedingBackup
		case TableSharedHistorySessions:
			t.sharedHistory = staged.sharedHistory
		case TableParkedSharedHistory:
			t.parkedSharedHistory = staged.parkedSharedHistory
		case TableOutgoingRoomKeyRequests:
			t.outgoingRequests = staged.outgoingRequests
		}
	}
}

func clonedSliceMap[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, v := range m {
		out[k] = append([]V{}, v...)
	}
	return out
}

type memTxn struct {
	tables *memTables
	clock  clock.Clock
}

func (t *memTxn) GetAccount() ([]byte, error) {
	return t.tables.account, nil
}

func (t *memTxn) StoreAccount(pickle []byte) error {
	t.tables.account = pickle
	return nil
}

func (t *memTxn) GetCrossSigningKeys() ([]byte, error) {
	return t.tables.crossSigningKeys, nil
}

func (t *memTxn) StoreCrossSigningKeys(keys []byte) error {
	t.tables.crossSigningKeys = keys
	return nil
}

func (t *memTxn) GetSecretStorePrivateKey(name string) ([]byte, error) {
	return t.tables.privateKeys[name], nil
}

func (t *memTxn) StoreSecretStorePrivateKey(name string, key []byte) error {
	t.tables.privateKeys[name] = key
	return nil
}

func (t *memTxn) CountSessions() (int, error) {
	count := 0
	for _, deviceSessions := range t.tables.sessions {
		count += len(deviceSessions)
	}
	return count, nil
}

func (t *memTxn) GetSession(deviceKey, sessionID string) (*SessionInfo, error) {
	return t.tables.sessions[deviceKey][sessionID], nil
}

func (t *memTxn) GetSessionsForDevice(deviceKey string) ([]*SessionInfo, error) {
	deviceSessions := t.tables.sessions[deviceKey]
	ids := make([]string, 0, len(deviceSessions))
	for id := range deviceSessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sessions := make([]*SessionInfo, len(ids))
	for i, id := range ids {
		sessions[i] = deviceSessions[id]
	}
	return sessions, nil
}

func (t *memTxn) ForEachSession(fn func(*SessionInfo) error) error {
	deviceKeys := maps.Keys(t.tables.sessions)
	slices.Sort(deviceKeys)
	for _, deviceKey := range deviceKeys {
		sessions, err := t.GetSessionsForDevice(deviceKey)
		if err != nil {
			return err
		}
		for _, session := range sessions {
			if err := fn(session); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *memTxn) StoreSession(session *SessionInfo) error {
	deviceSessions, ok := t.tables.sessions[session.DeviceKey]
	if !ok {
		deviceSessions = make(map[string]*SessionInfo)
	} else {
		deviceSessions = maps.Clone(deviceSessions)
	}
	deviceSessions[session.SessionID] = session
	t.tables.sessions[session.DeviceKey] = deviceSessions
	return nil
}

func (t *memTxn) StoreSessionProblem(deviceKey, problemType string, fixed bool) error {
	problems := t.tables.sessionProblems[deviceKey]
	problems = append(problems, &SessionProblem{Type: problemType, Fixed: fixed, TimeMs: t.clock.CurrentTimeMs()})
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].TimeMs < problems[j].TimeMs })
	t.tables.sessionProblems[deviceKey] = problems
	return nil
}

func (t *memTxn) GetSessionProblem(deviceKey string, timestampMs uint64) (*SessionProblem, error) {
	problems := t.tables.sessionProblems[deviceKey]
	if len(problems) == 0 {
		return nil, nil
	}
	last := problems[len(problems)-1]
	for _, problem := range problems {
		if problem.TimeMs > timestampMs {
			return &SessionProblem{Type: problem.Type, Fixed: last.Fixed, TimeMs: problem.TimeMs}, nil
		}
	}
	if last.Fixed {
		return nil, nil
	}
	return last, nil
}

func (t *memTxn) FilterOutNotifiedErrorDevices(devices []DeviceRef) ([]DeviceRef, error) {
	ret := []DeviceRef{}
	for _, device := range devices {
		if t.tables.notifiedErrorDevices[device] {
			continue
		}
		t.tables.notifiedErrorDevices[device] = true
		ret = append(ret, device)
	}
	return ret, nil
}

func (t *memTxn) GetInboundGroupSession(senderKey, sessionID string) (*InboundGroupSessionData, *Withheld, error) {
	key := SessionKey{SenderKey: senderKey, SessionID: sessionID}
	return t.tables.inboundGroupSessions[key], t.tables.withheld[key], nil
}

func (t *memTxn) ForEachInboundGroupSession(fn func(*InboundGroupSession) error) error {
	keys := make([]SessionKey, 0, len(t.tables.inboundGroupSessions))
	for k := range t.tables.inboundGroupSessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SenderKey != keys[j].SenderKey {
			return keys[i].SenderKey < keys[j].SenderKey
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	for _, key := range keys {
		if err := fn(&InboundGroupSession{SenderKey: key.SenderKey, SessionID: key.SessionID, Data: t.tables.inboundGroupSessions[key]}); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTxn) AddInboundGroupSession(senderKey, sessionID string, data *InboundGroupSessionData) error {
	key := SessionKey{SenderKey: senderKey, SessionID: sessionID}
	if _, ok := t.tables.inboundGroupSessions[key]; ok {
		return nil
	}
	t.tables.inboundGroupSessions[key] = data
	return nil
}

func (t *memTxn) StoreInboundGroupSession(senderKey, sessionID string, data *InboundGroupSessionData) error {
	t.tables.inboundGroupSessions[SessionKey{SenderKey: senderKey, SessionID: sessionID}] = data
	return nil
}

func (t *memTxn) StoreInboundGroupSessionWithheld(senderKey, sessionID string, withheld *Withheld) error {
	t.tables.withheld[SessionKey{SenderKey: senderKey, SessionID: sessionID}] = withheld
	return nil
}

func (t *memTxn) GetDeviceData() ([]byte, error) {
	return t.tables.deviceData, nil
}

func (t *memTxn) StoreDeviceData(data []byte) error {
	t.tables.deviceData = data
	return nil
}

func (t *memTxn) StoreRoomEncryption(roomID string, info *RoomEncryption) error {
	t.tables.rooms[roomID] = info
	return nil
}

func (t *memTxn) GetRoomsEncryption() (map[string]*RoomEncryption, error) {
	return maps.Clone(t.tables.rooms), nil
}

func (t *memTxn) MarkSessionsNeedingBackup(sessions []SessionKey) error {
	for _, key := range sessions {
		t.tables.sessionsNeedingBackup[key] = true
	}
	return nil
}

func (t *memTxn) UnmarkSessionsNeedingBackup(sessions []SessionKey) error {
	for _, key := range sessions {
		delete(t.tables.sessionsNeedingBackup, key)
	}
	return nil
}

func (t *memTxn) CountSessionsNeedingBackup() (int, error) {
	return len(t.tables.sessionsNeedingBackup), nil
}

func (t *memTxn) GetSessionsNeedingBackup(limit int) ([]*InboundGroupSession, error) {
	keys := make([]SessionKey, 0, len(t.tables.sessionsNeedingBackup))
	for k := range t.tables.sessionsNeedingBackup {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SenderKey != keys[j].SenderKey {
			return keys[i].SenderKey < keys[j].SenderKey
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	sessions := []*InboundGroupSession{}
	for _, key := range keys {
		data, ok := t.tables.inboundGroupSessions[key]
		if !ok {
			continue
		}
		sessions = append(sessions, &InboundGroupSession{SenderKey: key.SenderKey, SessionID: key.SessionID, Data: data})
		if limit > 0 && len(sessions) >= limit {
			break
		}
	}
	return sessions, nil
}

func (t *memTxn) AddSharedHistoryInboundGroupSession(roomID string, key SessionKey) error {
	t.tables.sharedHistory[roomID] = append(t.tables.sharedHistory[roomID], key)
	return nil
}

func (t *memTxn) GetSharedHistoryInboundGroupSessions(roomID string) ([]SessionKey, error) {
	return append([]SessionKey{}, t.tables.sharedHistory[roomID]...), nil
}

func (t *memTxn) AddParkedSharedHistory(roomID string, parked *ParkedSharedHistory) error {
	t.tables.parkedSharedHistory[roomID] = append(t.tables.parkedSharedHistory[roomID], parked)
	return nil
}

func (t *memTxn) TakeParkedSharedHistory(roomID string) ([]*ParkedSharedHistory, error) {
	parked := t.tables.parkedSharedHistory[roomID]
	delete(t.tables.parkedSharedHistory, roomID)
	return parked, nil
}

func (t *memTxn) GetOutgoingRoomKeyRequest(body RequestBody) (*OutgoingRoomKeyRequest, error) {
	for _, req := range t.tables.outgoingRequests {
		if req.RequestBody == body {
			return req, nil
		}
	}
	return nil, nil
}

func (t *memTxn) AddOutgoingRoomKeyRequest(req *OutgoingRoomKeyRequest) error {
	t.tables.outgoingRequests = append(t.tables.outgoingRequests, req)
	return nil
}

func (t *memTxn) GetOutgoingRoomKeyRequestByState(states []RequestState) (*OutgoingRoomKeyRequest, error) {
	for _, req := range t.tables.outgoingRequests {
		if stateIn(req.State, states) {
			return req, nil
		}
	}
	return nil, nil
}

func (t *memTxn) GetAllOutgoingRoomKeyRequestsByState(state RequestState) ([]*OutgoingRoomKeyRequest, error) {
	reqs := []*OutgoingRoomKeyRequest{}
	for _, req := range t.tables.outgoingRequests {
		if req.State == state {
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

func (t *memTxn) GetOutgoingRoomKeyRequestsByTarget(userID, deviceID string, states []RequestState) ([]*OutgoingRoomKeyRequest, error) {
	reqs := []*OutgoingRoomKeyRequest{}
	for _, req := range t.tables.outgoingRequests {
		if stateIn(req.State, states) && recipientIn(req.Recipients, userID, deviceID) {
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

func (t *memTxn) UpdateOutgoingRoomKeyRequest(requestID string, expectedState RequestState, updates *RequestUpdates) (*OutgoingRoomKeyRequest, error) {
	for i, req := range t.tables.outgoingRequests {
		if req.RequestID != requestID {
			continue
		}
		if req.State != expectedState {
			return nil, nil
		}
		updated := *req
		updated.applyUpdates(updates)
		t.tables.outgoingRequests[i] = &updated
		return &updated, nil
	}
	return nil, nil
}

func (t *memTxn) DeleteOutgoingRoomKeyRequest(requestID string, expectedState RequestState) (*OutgoingRoomKeyRequest, error) {
	for i, req := range t.tables.outgoingRequests {
		if req.RequestID != requestID {
			continue
		}
		if req.State != expectedState {
			return nil, nil
		}
		t.tables.outgoingRequests = append(t.tables.outgoingRequests[:i:i], t.tables.outgoingRequests[i+1:]...)
		return req, nil
	}
	return nil, nil
}
