package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quince-im/go-cryptostore/clock"
	"github.com/quince-im/go-cryptostore/config"
	"github.com/quince-im/go-cryptostore/internal/db"
	"github.com/quince-im/go-cryptostore/migration"
	"go.uber.org/zap"
)

// sqliteBackend is the durable store. All tables live in one SQLCipher
// database; transaction scoping is provided by the database's single
// connection and lock, so overlapping scopes serialize by construction.
type sqliteBackend struct {
	db    *db.Database
	log   *zap.SugaredLogger
	clock clock.Clock
}

func NewSQLiteBackend(c *config.Config, d *db.Database, cl clock.Clock) Backend {
	return &sqliteBackend{
		db:    d,
		log:   c.Logger("store/sqlite"),
		clock: cl,
	}
}

func (b *sqliteBackend) Startup() error {
	return b.db.Migrate("_cryptostore", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _account (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						pickle BLOB NOT NULL
					);

					CREATE TABLE _cross_signing_keys (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						keys BLOB NOT NULL
					);

					CREATE TABLE _secret_store_private_keys (
						name STRING PRIMARY KEY,
						key BLOB NOT NULL
					);

					CREATE TABLE _sessions (
						device_key STRING NOT NULL,
						session_id STRING NOT NULL,
						pickle BLOB NOT NULL,
						last_received_ms INTEGER NOT NULL,
						PRIMARY KEY (device_key, session_id)
					);
					CREATE INDEX sessions_device_key on _sessions (device_key);

					CREATE TABLE _session_problems (
						device_key STRING NOT NULL,
						type STRING NOT NULL,
						fixed INTEGER NOT NULL,
						time_ms INTEGER NOT NULL
					);
					CREATE INDEX session_problems_device_key on _session_problems (device_key, time_ms);

					CREATE TABLE _notified_error_devices (
						user_id STRING NOT NULL,
						device_id STRING NOT NULL,
						PRIMARY KEY (user_id, device_id)
					);

					CREATE TABLE _inbound_group_sessions (
						sender_key STRING NOT NULL,
						session_id STRING NOT NULL,
						data BLOB NOT NULL,
						PRIMARY KEY (sender_key, session_id)
					);

					CREATE TABLE _inbound_group_sessions_withheld (
						sender_key STRING NOT NULL,
						session_id STRING NOT NULL,
						code STRING NOT NULL,
						reason STRING NOT NULL,
						PRIMARY KEY (sender_key, session_id)
					);

					CREATE TABLE _device_data (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						data BLOB NOT NULL
					);

					CREATE TABLE _rooms (
						room_id STRING PRIMARY KEY,
						algorithm STRING NOT NULL,
						rotation_period_ms INTEGER NOT NULL,
						rotation_period_msgs INTEGER NOT NULL
					);

					CREATE TABLE _sessions_needing_backup (
						sender_key STRING NOT NULL,
						session_id STRING NOT NULL,
						PRIMARY KEY (sender_key, session_id)
					);

					CREATE TABLE _shared_history_inbound_group_sessions (
						room_id STRING NOT NULL,
						sender_key STRING NOT NULL,
						session_id STRING NOT NULL
					);
					CREATE INDEX shared_history_room_id on _shared_history_inbound_group_sessions (room_id);

					CREATE TABLE _parked_shared_history (
						room_id STRING NOT NULL,
						data BLOB NOT NULL
					);
					CREATE INDEX parked_shared_history_room_id on _parked_shared_history (room_id);

					CREATE TABLE _outgoing_room_key_requests (
						request_id STRING PRIMARY KEY,
						room_id STRING NOT NULL,
						session_id STRING NOT NULL,
						sender_key STRING NOT NULL,
						algorithm STRING NOT NULL,
						recipients BLOB NOT NULL,
						state INTEGER NOT NULL,
						request_txn_id STRING NOT NULL,
						cancellation_txn_id STRING NOT NULL
					);
					CREATE INDEX outgoing_room_key_requests_room_session on _outgoing_room_key_requests (room_id, session_id);
					CREATE INDEX outgoing_room_key_requests_state on _outgoing_room_key_requests (state);
				`)
				return err
			},
		},
	})
}

func (b *sqliteBackend) Close() error {
	return b.db.Shutdown()
}

func (b *sqliteBackend) DeleteAllData() error {
	return b.db.Run("delete all data", func() error {
		for _, table := range []string{
			"_account", "_cross_signing_keys", "_secret_store_private_keys",
			"_sessions", "_session_problems", "_notified_error_devices",
			"_inbound_group_sessions", "_inbound_group_sessions_withheld",
			"_device_data", "_rooms", "_sessions_needing_backup",
			"_shared_history_inbound_group_sessions", "_parked_shared_history",
			"_outgoing_room_key_requests",
		} {
			if _, err := b.db.Tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("store: error clearing %s: %w", table, err)
			}
		}
		return nil
	})
}

func (b *sqliteBackend) DoTxn(mode Mode, scope []Table, fn func(Txn) error) error {
	txn := &sqliteTxn{db: b.db, clock: b.clock}
	if mode == ReadOnly {
		return b.db.RunReadOnly(txnLabel(scope), func() error { return fn(txn) })
	}
	return b.db.Run(txnLabel(scope), func() error { return fn(txn) })
}

type sqliteTxn struct {
	db    *db.Database
	clock clock.Clock
}

type sessionRow struct {
	DeviceKey      string `db:"device_key"`
	SessionID      string `db:"session_id"`
	Pickle         []byte `db:"pickle"`
	LastReceivedMs uint64 `db:"last_received_ms"`
}

type sessionProblemRow struct {
	DeviceKey string `db:"device_key"`
	Type      string `db:"type"`
	Fixed     bool   `db:"fixed"`
	TimeMs    uint64 `db:"time_ms"`
}

type inboundGroupSessionRow struct {
	SenderKey string `db:"sender_key"`
	SessionID string `db:"session_id"`
	Data      []byte `db:"data"`
}

type withheldRow struct {
	SenderKey string `db:"sender_key"`
	SessionID string `db:"session_id"`
	Code      string `db:"code"`
	Reason    string `db:"reason"`
}

type roomRow struct {
	RoomID             string `db:"room_id"`
	Algorithm          string `db:"algorithm"`
	RotationPeriodMs   uint64 `db:"rotation_period_ms"`
	RotationPeriodMsgs uint64 `db:"rotation_period_msgs"`
}

type outgoingRequestRow struct {
	RequestID         string `db:"request_id"`
	RoomID            string `db:"room_id"`
	SessionID         string `db:"session_id"`
	SenderKey         string `db:"sender_key"`
	Algorithm         string `db:"algorithm"`
	Recipients        []byte `db:"recipients"`
	State             int    `db:"state"`
	RequestTxnID      string `db:"request_txn_id"`
	CancellationTxnID string `db:"cancellation_txn_id"`
}

func (r *outgoingRequestRow) decode() (*OutgoingRoomKeyRequest, error) {
	var recipients []Recipient
	if err := json.Unmarshal(r.Recipients, &recipients); err != nil {
		return nil, fmt.Errorf("store: error decoding recipients: %w", err)
	}
	return &OutgoingRoomKeyRequest{
		RequestID:         r.RequestID,
		RequestTxnID:      r.RequestTxnID,
		CancellationTxnID: r.CancellationTxnID,
		RequestBody: RequestBody{
			RoomID:    r.RoomID,
			SessionID: r.SessionID,
			SenderKey: r.SenderKey,
			Algorithm: r.Algorithm,
		},
		Recipients: recipients,
		State:      RequestState(r.State),
	}, nil
}

func (t *sqliteTxn) GetAccount() ([]byte, error) {
	var pickle []byte
	if err := t.db.Tx.Get(&pickle, "SELECT pickle FROM _account WHERE id = 0"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting account: %w", err)
	}
	return pickle, nil
}

func (t *sqliteTxn) StoreAccount(pickle []byte) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _account (id, pickle) VALUES (0, ?) ON CONFLICT(id) DO UPDATE SET pickle = excluded.pickle", pickle); err != nil {
		return fmt.Errorf("store: error storing account: %w", err)
	}
	return nil
}

func (t *sqliteTxn) GetCrossSigningKeys() ([]byte, error) {
	var keys []byte
	if err := t.db.Tx.Get(&keys, "SELECT keys FROM _cross_signing_keys WHERE id = 0"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting cross-signing keys: %w", err)
	}
	return keys, nil
}

func (t *sqliteTxn) StoreCrossSigningKeys(keys []byte) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _cross_signing_keys (id, keys) VALUES (0, ?) ON CONFLICT(id) DO UPDATE SET keys = excluded.keys", keys); err != nil {
		return fmt.Errorf("store: error storing cross-signing keys: %w", err)
	}
	return nil
}

func (t *sqliteTxn) GetSecretStorePrivateKey(name string) ([]byte, error) {
	var key []byte
	if err := t.db.Tx.Get(&key, "SELECT key FROM _secret_store_private_keys WHERE name = ?", name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting secret store key %s: %w", name, err)
	}
	return key, nil
}

func (t *sqliteTxn) StoreSecretStorePrivateKey(name string, key []byte) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _secret_store_private_keys (name, key) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET key = excluded.key", name, key); err != nil {
		return fmt.Errorf("store: error storing secret store key %s: %w", name, err)
	}
	return nil
}

func (t *sqliteTxn) CountSessions() (int, error) {
	var count int
	if err := t.db.Tx.Get(&count, "SELECT count(*) FROM _sessions"); err != nil {
		return 0, fmt.Errorf("store: error counting sessions: %w", err)
	}
	return count, nil
}

func (t *sqliteTxn) GetSession(deviceKey, sessionID string) (*SessionInfo, error) {
	row := &sessionRow{}
	if err := t.db.Tx.Get(row, "SELECT * FROM _sessions WHERE device_key = ? AND session_id = ?", deviceKey, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting session: %w", err)
	}
	return &SessionInfo{DeviceKey: row.DeviceKey, SessionID: row.SessionID, Pickle: row.Pickle, LastReceived: row.LastReceivedMs}, nil
}

func (t *sqliteTxn) GetSessionsForDevice(deviceKey string) ([]*SessionInfo, error) {
	var rows []*sessionRow
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _sessions WHERE device_key = ? ORDER BY session_id", deviceKey); err != nil {
		return nil, fmt.Errorf("store: error getting sessions for device: %w", err)
	}
	sessions := make([]*SessionInfo, len(rows))
	for i, row := range rows {
		sessions[i] = &SessionInfo{DeviceKey: row.DeviceKey, SessionID: row.SessionID, Pickle: row.Pickle, LastReceived: row.LastReceivedMs}
	}
	return sessions, nil
}

func (t *sqliteTxn) ForEachSession(fn func(*SessionInfo) error) error {
	var rows []*sessionRow
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _sessions ORDER BY device_key, session_id"); err != nil {
		return fmt.Errorf("store: error getting all sessions: %w", err)
	}
	for _, row := range rows {
		if err := fn(&SessionInfo{DeviceKey: row.DeviceKey, SessionID: row.SessionID, Pickle: row.Pickle, LastReceived: row.LastReceivedMs}); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTxn) StoreSession(session *SessionInfo) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _sessions (device_key, session_id, pickle, last_received_ms) VALUES (?, ?, ?, ?) ON CONFLICT(device_key, session_id) DO UPDATE SET pickle = excluded.pickle, last_received_ms = excluded.last_received_ms", session.DeviceKey, session.SessionID, session.Pickle, session.LastReceived); err != nil {
		return fmt.Errorf("store: error storing session: %w", err)
	}
	return nil
}

func (t *sqliteTxn) StoreSessionProblem(deviceKey, problemType string, fixed bool) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _session_problems (device_key, type, fixed, time_ms) VALUES (?, ?, ?, ?)", deviceKey, problemType, fixed, t.clock.CurrentTimeMs()); err != nil {
		return fmt.Errorf("store: error storing session problem: %w", err)
	}
	return nil
}

func (t *sqliteTxn) GetSessionProblem(deviceKey string, timestampMs uint64) (*SessionProblem, error) {
	var rows []*sessionProblemRow
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _session_problems WHERE device_key = ? ORDER BY time_ms", deviceKey); err != nil {
		return nil, fmt.Errorf("store: error getting session problems: %w", err)
	}
	return resolveSessionProblem(rows, timestampMs), nil
}

// resolveSessionProblem returns the first problem seen after the given
// timestamp, annotated with whether the most recent problem is fixed; when
// every problem predates the timestamp, the last one is returned only if it
// remains unfixed.
func resolveSessionProblem(rows []*sessionProblemRow, timestampMs uint64) *SessionProblem {
	if len(rows) == 0 {
		return nil
	}
	last := rows[len(rows)-1]
	for _, row := range rows {
		if row.TimeMs > timestampMs {
			return &SessionProblem{Type: row.Type, Fixed: last.Fixed, TimeMs: row.TimeMs}
		}
	}
	if last.Fixed {
		return nil
	}
	return &SessionProblem{Type: last.Type, Fixed: last.Fixed, TimeMs: last.TimeMs}
}

func (t *sqliteTxn) FilterOutNotifiedErrorDevices(devices []DeviceRef) ([]DeviceRef, error) {
	ret := []DeviceRef{}
	for _, device := range devices {
		var count int
		if err := t.db.Tx.Get(&count, "SELECT count(*) FROM _notified_error_devices WHERE user_id = ? AND device_id = ?", device.UserID, device.DeviceID); err != nil {
			return nil, fmt.Errorf("store: error checking notified device: %w", err)
		}
		if count != 0 {
			continue
		}
		if _, err := t.db.Tx.Exec("INSERT INTO _notified_error_devices (user_id, device_id) VALUES (?, ?)", device.UserID, device.DeviceID); err != nil {
			return nil, fmt.Errorf("store: error marking notified device: %w", err)
		}
		ret = append(ret, device)
	}
	return ret, nil
}

func (t *sqliteTxn) GetInboundGroupSession(senderKey, sessionID string) (*InboundGroupSessionData, *Withheld, error) {
	var data *InboundGroupSessionData
	row := &inboundGroupSessionRow{}
	err := t.db.Tx.Get(row, "SELECT * FROM _inbound_group_sessions WHERE sender_key = ? AND session_id = ?", senderKey, sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("store: error getting inbound group session: %w", err)
	}
	if err == nil {
		data = &InboundGroupSessionData{}
		if err := json.Unmarshal(row.Data, data); err != nil {
			return nil, nil, fmt.Errorf("store: error decoding inbound group session: %w", err)
		}
	}

	var withheld *Withheld
	wrow := &withheldRow{}
	err = t.db.Tx.Get(wrow, "SELECT * FROM _inbound_group_sessions_withheld WHERE sender_key = ? AND session_id = ?", senderKey, sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("store: error getting withheld record: %w", err)
	}
	if err == nil {
		withheld = &Withheld{Code: wrow.Code, Reason: wrow.Reason}
	}
	return data, withheld, nil
}

func (t *sqliteTxn) ForEachInboundGroupSession(fn func(*InboundGroupSession) error) error {
	var rows []*inboundGroupSessionRow
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _inbound_group_sessions ORDER BY sender_key, session_id"); err != nil {
		return fmt.Errorf("store: error getting inbound group sessions: %w", err)
	}
	for _, row := range rows {
		data := &InboundGroupSessionData{}
		if err := json.Unmarshal(row.Data, data); err != nil {
			return fmt.Errorf("store: error decoding inbound group session: %w", err)
		}
		if err := fn(&InboundGroupSession{SenderKey: row.SenderKey, SessionID: row.SessionID, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// AddInboundGroupSession is insert-only; a duplicate add is silently ignored
// rather than aborting the surrounding transaction.
func (t *sqliteTxn) AddInboundGroupSession(senderKey, sessionID string, data *InboundGroupSessionData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: error encoding inbound group session: %w", err)
	}
	if _, err := t.db.Tx.Exec("INSERT OR IGNORE INTO _inbound_group_sessions (sender_key, session_id, data) VALUES (?, ?, ?)", senderKey, sessionID, encoded); err != nil {
		return fmt.Errorf("store: error adding inbound group session: %w", err)
	}
	return nil
}

func (t *sqliteTxn) StoreInboundGroupSession(senderKey, sessionID string, data *InboundGroupSessionData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: error encoding inbound group session: %w", err)
	}
	if _, err := t.db.Tx.Exec("INSERT INTO _inbound_group_sessions (sender_key, session_id, data) VALUES (?, ?, ?) ON CONFLICT(sender_key, session_id) DO UPDATE SET data = excluded.data", senderKey, sessionID, encoded); err != nil {
		return fmt.Errorf("store: error storing inbound group session: %w", err)
	}
	return nil
}

func (t *sqliteTxn) StoreInboundGroupSessionWithheld(senderKey, sessionID string, withheld *Withheld) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _inbound_group_sessions_withheld (sender_key, session_id, code, reason) VALUES (?, ?, ?, ?) ON CONFLICT(sender_key, session_id) DO UPDATE SET code = excluded.code, reason = excluded.reason", senderKey, sessionID, withheld.Code, withheld.Reason); err != nil {
		return fmt.Errorf("store: error storing withheld record: %w", err)
	}
	return nil
}

func (t *sqliteTxn) GetDeviceData() ([]byte, error) {
	var data []byte
	if err := t.db.Tx.Get(&data, "SELECT data FROM _device_data WHERE id = 0"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting device data: %w", err)
	}
	return data, nil
}

func (t *sqliteTxn) StoreDeviceData(data []byte) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _device_data (id, data) VALUES (0, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data", data); err != nil {
		return fmt.Errorf("store: error storing device data: %w", err)
	}
	return nil
}

func (t *sqliteTxn) StoreRoomEncryption(roomID string, info *RoomEncryption) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _rooms (room_id, algorithm, rotation_period_ms, rotation_period_msgs) VALUES (?, ?, ?, ?) ON CONFLICT(room_id) DO UPDATE SET algorithm = excluded.algorithm, rotation_period_ms = excluded.rotation_period_ms, rotation_period_msgs = excluded.rotation_period_msgs", roomID, info.Algorithm, info.RotationPeriodMs, info.RotationPeriodMsgs); err != nil {
		return fmt.Errorf("store: error storing room encryption: %w", err)
	}
	return nil
}

func (t *sqliteTxn) GetRoomsEncryption() (map[string]*RoomEncryption, error) {
	var rows []*roomRow
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _rooms"); err != nil {
		return nil, fmt.Errorf("store: error getting rooms: %w", err)
	}
	rooms := make(map[string]*RoomEncryption, len(rows))
	for _, row := range rows {
		rooms[row.RoomID] = &RoomEncryption{Algorithm: row.Algorithm, RotationPeriodMs: row.RotationPeriodMs, RotationPeriodMsgs: row.RotationPeriodMsgs}
	}
	return rooms, nil
}

func (t *sqliteTxn) MarkSessionsNeedingBackup(sessions []SessionKey) error {
	for _, key := range sessions {
		if _, err := t.db.Tx.Exec("INSERT OR IGNORE INTO _sessions_needing_backup (sender_key, session_id) VALUES (?, ?)", key.SenderKey, key.SessionID); err != nil {
			return fmt.Errorf("store: error marking session needing backup: %w", err)
		}
	}
	return nil
}

func (t *sqliteTxn) UnmarkSessionsNeedingBackup(sessions []SessionKey) error {
	for _, key := range sessions {
		if _, err := t.db.Tx.Exec("DELETE FROM _sessions_needing_backup WHERE sender_key = ? AND session_id = ?", key.SenderKey, key.SessionID); err != nil {
			return fmt.Errorf("store: error unmarking session needing backup: %w", err)
		}
	}
	return nil
}

func (t *sqliteTxn) CountSessionsNeedingBackup() (int, error) {
	var count int
	if err := t.db.Tx.Get(&count, "SELECT count(*) FROM _sessions_needing_backup"); err != nil {
		return 0, fmt.Errorf("store: error counting sessions needing backup: %w", err)
	}
	return count, nil
}

func (t *sqliteTxn) GetSessionsNeedingBackup(limit int) ([]*InboundGroupSession, error) {
	var rows []*inboundGroupSessionRow
	query := `SELECT s.* FROM _inbound_group_sessions s
		JOIN _sessions_needing_backup b ON s.sender_key = b.sender_key AND s.session_id = b.session_id`
	var err error
	if limit > 0 {
		err = t.db.Tx.Select(&rows, query+" LIMIT ?", limit)
	} else {
		err = t.db.Tx.Select(&rows, query)
	}
	if err != nil {
		return nil, fmt.Errorf("store: error getting sessions needing backup: %w", err)
	}
	sessions := make([]*InboundGroupSession, 0, len(rows))
	for _, row := range rows {
		data := &InboundGroupSessionData{}
		if err := json.Unmarshal(row.Data, data); err != nil {
			return nil, fmt.Errorf("store: error decoding inbound group session: %w", err)
		}
		sessions = append(sessions, &InboundGroupSession{SenderKey: row.SenderKey, SessionID: row.SessionID, Data: data})
	}
	return sessions, nil
}

func (t *sqliteTxn) AddSharedHistoryInboundGroupSession(roomID string, key SessionKey) error {
	if _, err := t.db.Tx.Exec("INSERT INTO _shared_history_inbound_group_sessions (room_id, sender_key, session_id) VALUES (?, ?, ?)", roomID, key.SenderKey, key.SessionID); err != nil {
		return fmt.Errorf("store: error adding shared history session: %w", err)
	}
	return nil
}

func (t *sqliteTxn) GetSharedHistoryInboundGroupSessions(roomID string) ([]SessionKey, error) {
	var rows []struct {
		RoomID    string `db:"room_id"`
		SenderKey string `db:"sender_key"`
		SessionID string `db:"session_id"`
	}
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _shared_history_inbound_group_sessions WHERE room_id = ? ORDER BY rowid", roomID); err != nil {
		return nil, fmt.Errorf("store: error getting shared history sessions: %w", err)
	}
	keys := make([]SessionKey, len(rows))
	for i, row := range rows {
		keys[i] = SessionKey{SenderKey: row.SenderKey, SessionID: row.SessionID}
	}
	return keys, nil
}

func (t *sqliteTxn) AddParkedSharedHistory(roomID string, parked *ParkedSharedHistory) error {
	encoded, err := json.Marshal(parked)
	if err != nil {
		return fmt.Errorf("store: error encoding parked shared history: %w", err)
	}
	if _, err := t.db.Tx.Exec("INSERT INTO _parked_shared_history (room_id, data) VALUES (?, ?)", roomID, encoded); err != nil {
		return fmt.Errorf("store: error adding parked shared history: %w", err)
	}
	return nil
}

func (t *sqliteTxn) TakeParkedSharedHistory(roomID string) ([]*ParkedSharedHistory, error) {
	var rows []struct {
		RoomID string `db:"room_id"`
		Data   []byte `db:"data"`
	}
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _parked_shared_history WHERE room_id = ? ORDER BY rowid", roomID); err != nil {
		return nil, fmt.Errorf("store: error getting parked shared history: %w", err)
	}
	parked := make([]*ParkedSharedHistory, len(rows))
	for i, row := range rows {
		p := &ParkedSharedHistory{}
		if err := json.Unmarshal(row.Data, p); err != nil {
			return nil, fmt.Errorf("store: error decoding parked shared history: %w", err)
		}
		parked[i] = p
	}
	if _, err := t.db.Tx.Exec("DELETE FROM _parked_shared_history WHERE room_id = ?", roomID); err != nil {
		return nil, fmt.Errorf("store: error clearing parked shared history: %w", err)
	}
	return parked, nil
}

func (t *sqliteTxn) GetOutgoingRoomKeyRequest(body RequestBody) (*OutgoingRoomKeyRequest, error) {
	var rows []*outgoingRequestRow
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _outgoing_room_key_requests WHERE room_id = ? AND session_id = ?", body.RoomID, body.SessionID); err != nil {
		return nil, fmt.Errorf("store: error getting outgoing request: %w", err)
	}
	for _, row := range rows {
		req, err := row.decode()
		if err != nil {
			return nil, err
		}
		if req.RequestBody == body {
			return req, nil
		}
	}
	return nil, nil
}

func (t *sqliteTxn) AddOutgoingRoomKeyRequest(req *OutgoingRoomKeyRequest) error {
	recipients, err := json.Marshal(req.Recipients)
	if err != nil {
		return fmt.Errorf("store: error encoding recipients: %w", err)
	}
	if _, err := t.db.Tx.Exec("INSERT INTO _outgoing_room_key_requests (request_id, room_id, session_id, sender_key, algorithm, recipients, state, request_txn_id, cancellation_txn_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		req.RequestID, req.RequestBody.RoomID, req.RequestBody.SessionID, req.RequestBody.SenderKey, req.RequestBody.Algorithm, recipients, int(req.State), req.RequestTxnID, req.CancellationTxnID); err != nil {
		return fmt.Errorf("store: error adding outgoing request: %w", err)
	}
	return nil
}

func (t *sqliteTxn) GetOutgoingRoomKeyRequestByState(states []RequestState) (*OutgoingRoomKeyRequest, error) {
	for _, state := range states {
		row := &outgoingRequestRow{}
		err := t.db.Tx.Get(row, "SELECT * FROM _outgoing_room_key_requests WHERE state = ? LIMIT 1", int(state))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: error getting outgoing request by state: %w", err)
		}
		return row.decode()
	}
	return nil, nil
}

func (t *sqliteTxn) GetAllOutgoingRoomKeyRequestsByState(state RequestState) ([]*OutgoingRoomKeyRequest, error) {
	var rows []*outgoingRequestRow
	if err := t.db.Tx.Select(&rows, "SELECT * FROM _outgoing_room_key_requests WHERE state = ?", int(state)); err != nil {
		return nil, fmt.Errorf("store: error getting outgoing requests by state: %w", err)
	}
	reqs := make([]*OutgoingRoomKeyRequest, len(rows))
	for i, row := range rows {
		req, err := row.decode()
		if err != nil {
			return nil, err
		}
		reqs[i] = req
	}
	return reqs, nil
}

func (t *sqliteTxn) GetOutgoingRoomKeyRequestsByTarget(userID, deviceID string, states []RequestState) ([]*OutgoingRoomKeyRequest, error) {
	reqs := []*OutgoingRoomKeyRequest{}
	for _, state := range states {
		var rows []*outgoingRequestRow
		if err := t.db.Tx.Select(&rows, "SELECT * FROM _outgoing_room_key_requests WHERE state = ?", int(state)); err != nil {
			return nil, fmt.Errorf("store: error getting outgoing requests by target: %w", err)
		}
		for _, row := range rows {
			req, err := row.decode()
			if err != nil {
				return nil, err
			}
			if recipientIn(req.Recipients, userID, deviceID) {
				reqs = append(reqs, req)
			}
		}
	}
	return reqs, nil
}

func (t *sqliteTxn) UpdateOutgoingRoomKeyRequest(requestID string, expectedState RequestState, updates *RequestUpdates) (*OutgoingRoomKeyRequest, error) {
	row := &outgoingRequestRow{}
	err := t.db.Tx.Get(row, "SELECT * FROM _outgoing_room_key_requests WHERE request_id = ?", requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: error getting outgoing request: %w", err)
	}
	if RequestState(row.State) != expectedState {
		return nil, nil
	}
	req, err := row.decode()
	if err != nil {
		return nil, err
	}
	req.applyUpdates(updates)
	if _, err := t.db.Tx.Exec("UPDATE _outgoing_room_key_requests SET state = ?, request_txn_id = ?, cancellation_txn_id = ? WHERE request_id = ?", int(req.State), req.RequestTxnID, req.CancellationTxnID, requestID); err != nil {
		return nil, fmt.Errorf("store: error updating outgoing request: %w", err)
	}
	return req, nil
}

func (t *sqliteTxn) DeleteOutgoingRoomKeyRequest(requestID string, expectedState RequestState) (*OutgoingRoomKeyRequest, error) {
	row := &outgoingRequestRow{}
	err := t.db.Tx.Get(row, "SELECT * FROM _outgoing_room_key_requests WHERE request_id = ?", requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: error getting outgoing request: %w", err)
	}
	if RequestState(row.State) != expectedState {
		return nil, nil
	}
	req, err := row.decode()
	if err != nil {
		return nil, err
	}
	if _, err := t.db.Tx.Exec("DELETE FROM _outgoing_room_key_requests WHERE request_id = ?", requestID); err != nil {
		return nil, fmt.Errorf("store: error deleting outgoing request: %w", err)
	}
	return req, nil
}
