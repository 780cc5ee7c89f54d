package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/quince-im/go-cryptostore/clock"
	"github.com/quince-im/go-cryptostore/config"
	"github.com/quince-im/go-cryptostore/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newSQLiteStore() (*Store, func()) {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	d := test.NewTestDatabase(c)
	backend := NewSQLiteBackend(c, d, clock.NewSystemClock())
	if err := backend.Startup(); err != nil {
		panic(err)
	}
	return New(backend), func() {
		if err := d.Shutdown(); err != nil {
			panic(err)
		}
	}
}

func newMemoryStore() (*Store, func()) {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	backend := NewMemoryBackend(c, clock.NewSystemClock())
	if err := backend.Startup(); err != nil {
		panic(err)
	}
	return New(backend), func() {
		if err := backend.Close(); err != nil {
			panic(err)
		}
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, cleanup := newSQLiteStore()
		defer cleanup()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		s, cleanup := newMemoryStore()
		defer cleanup()
		fn(t, s)
	})
}

func makeRequest(id string, body RequestBody) *OutgoingRoomKeyRequest {
	return &OutgoingRoomKeyRequest{
		RequestID:   id,
		RequestBody: body,
		Recipients: []Recipient{
			{UserID: "@alice:example.com", DeviceID: "*"},
			{UserID: "@bob:example.com", DeviceID: "BOBDEVICE"},
		},
		State: RequestStateUnsent,
	}
}

var testBody = RequestBody{
	RoomID:    "!room:example.com",
	SessionID: "sess1",
	SenderKey: "senderkey1",
	Algorithm: "m.megolm.v1.aes-sha2",
}

func TestAccountRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		require.Nil(s.DoTxn(ReadOnly, []Table{TableAccount}, func(txn Txn) error {
			pickle, err := txn.GetAccount()
			require.Nil(err)
			require.Nil(pickle)
			return nil
		}))

		require.Nil(s.DoTxn(ReadWrite, []Table{TableAccount}, func(txn Txn) error {
			require.Nil(txn.StoreAccount([]byte("account-pickle")))
			require.Nil(txn.StoreCrossSigningKeys([]byte("xsigning")))
			return nil
		}))

		require.Nil(s.DoTxn(ReadOnly, []Table{TableAccount}, func(txn Txn) error {
			pickle, err := txn.GetAccount()
			require.Nil(err)
			require.Equal([]byte("account-pickle"), pickle)
			keys, err := txn.GetCrossSigningKeys()
			require.Nil(err)
			require.Equal([]byte("xsigning"), keys)
			return nil
		}))
	})
}

func TestSecretStorePrivateKeyRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		key, err := s.GetSecretStorePrivateKey(SecretStoreKeyBackup)
		require.Nil(err)
		require.Nil(key)

		require.Nil(s.StoreSecretStorePrivateKey(SecretStoreKeyBackup, []byte{1, 2, 3, 4}))
		key, err = s.GetSecretStorePrivateKey(SecretStoreKeyBackup)
		require.Nil(err)
		require.Equal([]byte{1, 2, 3, 4}, key)

		require.Nil(s.StoreSecretStorePrivateKey(SecretStoreKeyBackup, []byte{5, 6}))
		key, err = s.GetSecretStorePrivateKey(SecretStoreKeyBackup)
		require.Nil(err)
		require.Equal([]byte{5, 6}, key)
	})
}

func TestSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		require.Nil(s.DoTxn(ReadWrite, []Table{TableSessions}, func(txn Txn) error {
			require.Nil(txn.StoreSession(&SessionInfo{DeviceKey: "devA", SessionID: "s1", Pickle: []byte("p1"), LastReceived: 10}))
			require.Nil(txn.StoreSession(&SessionInfo{DeviceKey: "devA", SessionID: "s2", Pickle: []byte("p2"), LastReceived: 20}))
			require.Nil(txn.StoreSession(&SessionInfo{DeviceKey: "devB", SessionID: "s3", Pickle: []byte("p3"), LastReceived: 30}))
			return nil
		}))

		require.Nil(s.DoTxn(ReadOnly, []Table{TableSessions}, func(txn Txn) error {
			count, err := txn.CountSessions()
			require.Nil(err)
			require.Equal(3, count)

			session, err := txn.GetSession("devA", "s2")
			require.Nil(err)
			require.Equal([]byte("p2"), session.Pickle)

			session, err = txn.GetSession("devA", "missing")
			require.Nil(err)
			require.Nil(session)

			sessions, err := txn.GetSessionsForDevice("devA")
			require.Nil(err)
			require.Len(sessions, 2)

			seen := 0
			require.Nil(txn.ForEachSession(func(si *SessionInfo) error {
				seen++
				return nil
			}))
			require.Equal(3, seen)
			return nil
		}))

		// storing again overwrites in place
		require.Nil(s.DoTxn(ReadWrite, []Table{TableSessions}, func(txn Txn) error {
			return txn.StoreSession(&SessionInfo{DeviceKey: "devA", SessionID: "s1", Pickle: []byte("p1-new"), LastReceived: 40})
		}))
		require.Nil(s.DoTxn(ReadOnly, []Table{TableSessions}, func(txn Txn) error {
			count, err := txn.CountSessions()
			require.Nil(err)
			require.Equal(3, count)
			session, err := txn.GetSession("devA", "s1")
			require.Nil(err)
			require.Equal([]byte("p1-new"), session.Pickle)
			return nil
		}))
	})
}

func TestSessionProblems(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		problem, err := s.GetSessionProblem("devA", 0)
		require.Nil(err)
		require.Nil(problem)

		require.Nil(s.StoreSessionProblem("devA", "wedged", false))

		// an unfixed problem is reported even for timestamps after it
		problem, err = s.GetSessionProblem("devA", ^uint64(0))
		require.Nil(err)
		require.NotNil(problem)
		require.Equal("wedged", problem.Type)
		require.False(problem.Fixed)

		// a timestamp before the problem sees it too
		problem, err = s.GetSessionProblem("devA", 0)
		require.Nil(err)
		require.NotNil(problem)
		require.Equal("wedged", problem.Type)

		require.Nil(s.StoreSessionProblem("devA", "wedged", true))

		// once the latest problem is fixed, the first problem after the
		// timestamp is reported as fixed
		problem, err = s.GetSessionProblem("devA", 0)
		require.Nil(err)
		require.NotNil(problem)
		require.True(problem.Fixed)

		// and nothing is reported for timestamps after the fix
		problem, err = s.GetSessionProblem("devA", ^uint64(0))
		require.Nil(err)
		require.Nil(problem)
	})
}

func TestFilterOutNotifiedErrorDevices(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		devices := []DeviceRef{
			{UserID: "@alice:example.com", DeviceID: "A1"},
			{UserID: "@bob:example.com", DeviceID: "B1"},
		}
		out, err := s.FilterOutNotifiedErrorDevices(devices)
		require.Nil(err)
		require.Equal(devices, out)

		// a second pass over the same devices returns nothing
		out, err = s.FilterOutNotifiedErrorDevices(devices)
		require.Nil(err)
		require.Empty(out)

		// a new device still comes through
		out, err = s.FilterOutNotifiedErrorDevices(append(devices, DeviceRef{UserID: "@carol:example.com", DeviceID: "C1"}))
		require.Nil(err)
		require.Equal([]DeviceRef{{UserID: "@carol:example.com", DeviceID: "C1"}}, out)
	})
}

func TestInboundGroupSessionDuplicateAdd(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		first := &InboundGroupSessionData{RoomID: "!room:example.com", Pickle: []byte("first")}
		second := &InboundGroupSessionData{RoomID: "!room:example.com", Pickle: []byte("second")}

		require.Nil(s.DoTxn(ReadWrite, []Table{TableInboundGroupSessions}, func(txn Txn) error {
			require.Nil(txn.AddInboundGroupSession("sender1", "sess1", first))
			// duplicate add keeps the existing record and is not an error
			require.Nil(txn.AddInboundGroupSession("sender1", "sess1", second))
			return nil
		}))

		require.Nil(s.DoTxn(ReadOnly, []Table{TableInboundGroupSessions, TableInboundGroupSessionsWithheld}, func(txn Txn) error {
			data, withheld, err := txn.GetInboundGroupSession("sender1", "sess1")
			require.Nil(err)
			require.Nil(withheld)
			require.Equal([]byte("first"), data.Pickle)
			return nil
		}))

		// an unconditional store does replace
		require.Nil(s.DoTxn(ReadWrite, []Table{TableInboundGroupSessions}, func(txn Txn) error {
			return txn.StoreInboundGroupSession("sender1", "sess1", second)
		}))
		require.Nil(s.DoTxn(ReadOnly, []Table{TableInboundGroupSessions, TableInboundGroupSessionsWithheld}, func(txn Txn) error {
			data, _, err := txn.GetInboundGroupSession("sender1", "sess1")
			require.Nil(err)
			require.Equal([]byte("second"), data.Pickle)
			return nil
		}))
	})
}

func TestInboundGroupSessionWithheld(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		require.Nil(s.DoTxn(ReadWrite, []Table{TableInboundGroupSessionsWithheld}, func(txn Txn) error {
			return txn.StoreInboundGroupSessionWithheld("sender1", "sess1", &Withheld{Code: "m.unverified", Reason: "device not verified"})
		}))

		require.Nil(s.DoTxn(ReadOnly, []Table{TableInboundGroupSessions, TableInboundGroupSessionsWithheld}, func(txn Txn) error {
			data, withheld, err := txn.GetInboundGroupSession("sender1", "sess1")
			require.Nil(err)
			require.Nil(data)
			require.NotNil(withheld)
			require.Equal("m.unverified", withheld.Code)
			return nil
		}))
	})
}

func TestDeviceData(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		require.Nil(s.DoTxn(ReadWrite, []Table{TableDeviceData}, func(txn Txn) error {
			data, err := txn.GetDeviceData()
			require.Nil(err)
			require.Nil(data)
			return txn.StoreDeviceData([]byte(`{"devices":{}}`))
		}))

		require.Nil(s.DoTxn(ReadOnly, []Table{TableDeviceData}, func(txn Txn) error {
			data, err := txn.GetDeviceData()
			require.Nil(err)
			require.Equal([]byte(`{"devices":{}}`), data)
			return nil
		}))
	})
}

func TestRoomsEncryption(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		require.Nil(s.DoTxn(ReadWrite, []Table{TableRooms}, func(txn Txn) error {
			require.Nil(txn.StoreRoomEncryption("!a:example.com", &RoomEncryption{Algorithm: "m.megolm.v1.aes-sha2"}))
			require.Nil(txn.StoreRoomEncryption("!b:example.com", &RoomEncryption{Algorithm: "m.megolm.v1.aes-sha2", RotationPeriodMsgs: 50}))
			return nil
		}))

		require.Nil(s.DoTxn(ReadOnly, []Table{TableRooms}, func(txn Txn) error {
			rooms, err := txn.GetRoomsEncryption()
			require.Nil(err)
			require.Len(rooms, 2)
			require.Equal(uint64(50), rooms["!b:example.com"].RotationPeriodMsgs)
			return nil
		}))
	})
}

func TestSessionsNeedingBackup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		keys := []SessionKey{
			{SenderKey: "sender1", SessionID: "s1"},
			{SenderKey: "sender1", SessionID: "s2"},
			{SenderKey: "sender2", SessionID: "s3"},
		}
		require.Nil(s.DoTxn(ReadWrite, []Table{TableInboundGroupSessions}, func(txn Txn) error {
			for _, key := range keys {
				require.Nil(txn.AddInboundGroupSession(key.SenderKey, key.SessionID, &InboundGroupSessionData{RoomID: "!room:example.com", Pickle: []byte(key.SessionID)}))
			}
			return nil
		}))

		require.Nil(s.MarkSessionsNeedingBackup(keys))
		// marking twice does not double-count
		require.Nil(s.MarkSessionsNeedingBackup(keys[:1]))
		count, err := s.CountSessionsNeedingBackup()
		require.Nil(err)
		require.Equal(3, count)

		sessions, err := s.GetSessionsNeedingBackup(2)
		require.Nil(err)
		require.Len(sessions, 2)

		sessions, err = s.GetSessionsNeedingBackup(0)
		require.Nil(err)
		require.Len(sessions, 3)

		require.Nil(s.UnmarkSessionsNeedingBackup(keys[:2]))
		count, err = s.CountSessionsNeedingBackup()
		require.Nil(err)
		require.Equal(1, count)

		sessions, err = s.GetSessionsNeedingBackup(0)
		require.Nil(err)
		require.Len(sessions, 1)
		require.Equal("s3", sessions[0].SessionID)

		// unmarking something never marked is a no-op
		require.Nil(s.UnmarkSessionsNeedingBackup([]SessionKey{{SenderKey: "sender9", SessionID: "s9"}}))
		count, err = s.CountSessionsNeedingBackup()
		require.Nil(err)
		require.Equal(1, count)
	})
}

func TestSharedHistorySessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		require.Nil(s.AddSharedHistoryInboundGroupSession("!room:example.com", SessionKey{SenderKey: "sender1", SessionID: "s1"}))
		require.Nil(s.AddSharedHistoryInboundGroupSession("!room:example.com", SessionKey{SenderKey: "sender2", SessionID: "s2"}))

		keys, err := s.GetSharedHistoryInboundGroupSessions("!room:example.com")
		require.Nil(err)
		require.Len(keys, 2)

		keys, err = s.GetSharedHistoryInboundGroupSessions("!other:example.com")
		require.Nil(err)
		require.Empty(keys)
	})
}

func TestParkedSharedHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		require.Nil(s.AddParkedSharedHistory("!room:example.com", &ParkedSharedHistory{
			SenderID:   "@alice:example.com",
			SenderKey:  "sender1",
			SessionID:  "s1",
			SessionKey: []byte("exported-key"),
		}))
		require.Nil(s.AddParkedSharedHistory("!room:example.com", &ParkedSharedHistory{
			SenderID:  "@bob:example.com",
			SenderKey: "sender2",
			SessionID: "s2",
		}))

		parked, err := s.TakeParkedSharedHistory("!room:example.com")
		require.Nil(err)
		require.Len(parked, 2)
		require.Equal("@alice:example.com", parked[0].SenderID)

		// taking clears; the second take is empty
		parked, err = s.TakeParkedSharedHistory("!room:example.com")
		require.Nil(err)
		require.Empty(parked)
	})
}

func TestGetOrAddOutgoingRoomKeyRequestDedup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		first := makeRequest("req1", testBody)
		out, err := s.GetOrAddOutgoingRoomKeyRequest(first)
		require.Nil(err)
		require.Equal("req1", out.RequestID)

		// a second request with an equal body returns the first
		out, err = s.GetOrAddOutgoingRoomKeyRequest(makeRequest("req2", testBody))
		require.Nil(err)
		require.Equal("req1", out.RequestID)

		otherBody := testBody
		otherBody.SessionID = "sess2"
		out, err = s.GetOrAddOutgoingRoomKeyRequest(makeRequest("req3", otherBody))
		require.Nil(err)
		require.Equal("req3", out.RequestID)

		got, err := s.GetOutgoingRoomKeyRequest(testBody)
		require.Nil(err)
		require.Equal("req1", got.RequestID)
		require.Equal(first.Recipients, got.Recipients)
	})
}

func TestOutgoingRoomKeyRequestStateQueries(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		bodies := make([]RequestBody, 3)
		for i := range bodies {
			bodies[i] = testBody
			bodies[i].SessionID = fmt.Sprintf("sess%d", i)
			_, err := s.GetOrAddOutgoingRoomKeyRequest(makeRequest(fmt.Sprintf("req%d", i), bodies[i]))
			require.Nil(err)
		}

		sent := RequestStateSent
		updated, err := s.UpdateOutgoingRoomKeyRequest("req1", RequestStateUnsent, &RequestUpdates{State: &sent})
		require.Nil(err)
		require.Equal(RequestStateSent, updated.State)

		req, err := s.GetOutgoingRoomKeyRequestByState([]RequestState{RequestStateSent})
		require.Nil(err)
		require.Equal("req1", req.RequestID)

		req, err = s.GetOutgoingRoomKeyRequestByState([]RequestState{RequestStateCancellationPending})
		require.Nil(err)
		require.Nil(req)

		reqs, err := s.GetAllOutgoingRoomKeyRequestsByState(RequestStateUnsent)
		require.Nil(err)
		require.Len(reqs, 2)

		// target queries match the recipient list exactly, wildcard included
		reqs, err = s.GetOutgoingRoomKeyRequestsByTarget("@alice:example.com", "*", []RequestState{RequestStateSent})
		require.Nil(err)
		require.Len(reqs, 1)
		reqs, err = s.GetOutgoingRoomKeyRequestsByTarget("@bob:example.com", "BOBDEVICE", []RequestState{RequestStateSent})
		require.Nil(err)
		require.Len(reqs, 1)
		reqs, err = s.GetOutgoingRoomKeyRequestsByTarget("@bob:example.com", "*", []RequestState{RequestStateSent})
		require.Nil(err)
		require.Empty(reqs)
	})
}

func TestUpdateOutgoingRoomKeyRequestGuard(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		_, err := s.GetOrAddOutgoingRoomKeyRequest(makeRequest("req1", testBody))
		require.Nil(err)

		// expected-state mismatch changes nothing and reports nil
		sent := RequestStateSent
		updated, err := s.UpdateOutgoingRoomKeyRequest("req1", RequestStateSent, &RequestUpdates{State: &sent})
		require.Nil(err)
		require.Nil(updated)

		txnID := "txn1"
		updated, err = s.UpdateOutgoingRoomKeyRequest("req1", RequestStateUnsent, &RequestUpdates{State: &sent, RequestTxnID: &txnID})
		require.Nil(err)
		require.Equal(RequestStateSent, updated.State)
		require.Equal("txn1", updated.RequestTxnID)

		got, err := s.GetOutgoingRoomKeyRequest(testBody)
		require.Nil(err)
		require.Equal(RequestStateSent, got.State)
		require.Equal("txn1", got.RequestTxnID)

		// an unknown request id also reports nil
		updated, err = s.UpdateOutgoingRoomKeyRequest("missing", RequestStateUnsent, &RequestUpdates{State: &sent})
		require.Nil(err)
		require.Nil(updated)
	})
}

func TestDeleteOutgoingRoomKeyRequestGuard(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		_, err := s.GetOrAddOutgoingRoomKeyRequest(makeRequest("req1", testBody))
		require.Nil(err)

		deleted, err := s.DeleteOutgoingRoomKeyRequest("req1", RequestStateSent)
		require.Nil(err)
		require.Nil(deleted)

		got, err := s.GetOutgoingRoomKeyRequest(testBody)
		require.Nil(err)
		require.NotNil(got)

		deleted, err = s.DeleteOutgoingRoomKeyRequest("req1", RequestStateUnsent)
		require.Nil(err)
		require.Equal("req1", deleted.RequestID)

		got, err = s.GetOutgoingRoomKeyRequest(testBody)
		require.Nil(err)
		require.Nil(got)
	})
}

func TestTxnRollback(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		boom := errors.New("boom")
		err := s.DoTxn(ReadWrite, []Table{TableAccount, TableRooms}, func(txn Txn) error {
			require.Nil(txn.StoreAccount([]byte("pickle")))
			require.Nil(txn.StoreRoomEncryption("!room:example.com", &RoomEncryption{Algorithm: "m.megolm.v1.aes-sha2"}))
			return boom
		})
		require.ErrorIs(err, boom)

		require.Nil(s.DoTxn(ReadOnly, []Table{TableAccount, TableRooms}, func(txn Txn) error {
			pickle, err := txn.GetAccount()
			require.Nil(err)
			require.Nil(pickle)
			rooms, err := txn.GetRoomsEncryption()
			require.Nil(err)
			require.Empty(rooms)
			return nil
		}))
	})
}

func TestDeleteAllData(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *Store) {
		require := require.New(t)

		require.Nil(s.DoTxn(ReadWrite, []Table{TableAccount}, func(txn Txn) error {
			return txn.StoreAccount([]byte("pickle"))
		}))
		_, err := s.GetOrAddOutgoingRoomKeyRequest(makeRequest("req1", testBody))
		require.Nil(err)

		require.Nil(s.DeleteAllData())

		require.Nil(s.DoTxn(ReadOnly, []Table{TableAccount}, func(txn Txn) error {
			pickle, err := txn.GetAccount()
			require.Nil(err)
			require.Nil(pickle)
			return nil
		}))
		got, err := s.GetOutgoingRoomKeyRequest(testBody)
		require.Nil(err)
		require.Nil(got)
	})
}

func TestCommitFailureSurfaces(t *testing.T) {
	require := require.New(t)
	s, cleanup := newSQLiteStore()
	defer cleanup()

	// roll the transaction back underneath so its own commit fails; the
	// caller must see the failure rather than a silent success
	err := s.DoTxn(ReadWrite, []Table{TableAccount}, func(txn Txn) error {
		if err := txn.StoreAccount([]byte("doomed-pickle")); err != nil {
			return err
		}
		return txn.(*sqliteTxn).db.Tx.Rollback()
	})
	require.NotNil(err)
	require.ErrorIs(err, sql.ErrTxDone)

	require.Nil(s.DoTxn(ReadOnly, []Table{TableAccount}, func(txn Txn) error {
		pickle, err := txn.GetAccount()
		require.Nil(err)
		require.Nil(pickle)
		return nil
	}))
}
