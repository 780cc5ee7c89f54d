package backup

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/quince-im/go-cryptostore/clock"
	"github.com/quince-im/go-cryptostore/config"
	"github.com/quince-im/go-cryptostore/store"
	"github.com/stretchr/testify/require"
)

type transportCall struct {
	method string
	path   string
	query  url.Values
	body   json.RawMessage
}

type fakeTransport struct {
	lock    sync.Mutex
	calls   []transportCall
	handler func(method, path string, query url.Values, body json.RawMessage) (interface{}, error)
}

func (f *fakeTransport) Request(_ context.Context, method, path string, query url.Values, body, result interface{}) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	var rawBody json.RawMessage
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rawBody = encoded
	}
	f.calls = append(f.calls, transportCall{method, path, query, rawBody})
	if f.handler == nil {
		return nil
	}
	resp, err := f.handler(method, path, query, rawBody)
	if err != nil {
		return err
	}
	if result != nil && resp != nil {
		encoded, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return json.Unmarshal(encoded, result)
	}
	return nil
}

func (f *fakeTransport) callCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.calls)
}

const testUserID = "@alice:example.com"

func newBackupManager(signer Signer, verifier Verifier) (*Manager, *store.Store, *fakeTransport) {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	s := store.New(store.NewMemoryBackend(c, clock.NewSystemClock()))
	transport := &fakeTransport{}
	return NewManager(c, s, transport, testUserID, signer, verifier), s, transport
}

func addGroupSessions(t *testing.T, s *store.Store, n int) []store.SessionKey {
	keys := make([]store.SessionKey, n)
	err := s.DoTxn(store.ReadWrite, []store.Table{store.TableInboundGroupSessions}, func(txn store.Txn) error {
		for i := 0; i < n; i++ {
			keys[i] = store.SessionKey{SenderKey: "senderkey", SessionID: fmt.Sprintf("sess%d", i)}
			if err := txn.AddInboundGroupSession(keys[i].SenderKey, keys[i].SessionID, &store.InboundGroupSessionData{
				RoomID:      "!room:example.com",
				Pickle:      []byte(fmt.Sprintf("exported-session-key-%d", i)),
				KeysClaimed: map[string]string{"ed25519": "claimedkey"},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.Nil(t, err)
	return keys
}

func countGroupSessions(t *testing.T, s *store.Store) int {
	count := 0
	err := s.DoTxn(store.ReadOnly, []store.Table{store.TableInboundGroupSessions}, func(txn store.Txn) error {
		return txn.ForEachInboundGroupSession(func(*store.InboundGroupSession) error {
			count++
			return nil
		})
	})
	require.Nil(t, err)
	return count
}

func preparedVersionInfo(t *testing.T, m *Manager, algorithm string) (*PreparedVersion, *VersionInfo) {
	prepared, err := m.PrepareKeyBackupVersion(algorithm, "")
	require.Nil(t, err)
	return prepared, &VersionInfo{Algorithm: algorithm, AuthData: prepared.AuthData, Version: "1"}
}

func TestCreateKeyBackupVersionTwoCalls(t *testing.T) {
	require := require.New(t)
	m, _, transport := newBackupManager(nil, nil)
	prepared, err := m.PrepareKeyBackupVersion(Curve25519AlgorithmName, "")
	require.Nil(err)

	transport.handler = func(method, path string, _ url.Values, _ json.RawMessage) (interface{}, error) {
		switch method + " " + path {
		case "POST /room_keys/version":
			return map[string]string{"version": "7"}, nil
		case "GET /room_keys/version":
			return &VersionInfo{Algorithm: Curve25519AlgorithmName, AuthData: prepared.AuthData, Version: "7"}, nil
		}
		return nil, fmt.Errorf("unexpected request %s %s", method, path)
	}

	info, err := m.CreateKeyBackupVersion(context.Background(), prepared)
	require.Nil(err)
	require.Equal("7", info.Version)
	require.Equal(2, transport.callCount())
	require.True(m.Enabled())
	require.Equal("7", m.Version())

	// the private key is cached for later restores
	cached, err := m.GetSessionBackupPrivateKey()
	require.Nil(err)
	require.Equal(prepared.PrivateKey, cached)
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	for _, algorithm := range []string{Curve25519AlgorithmName, AES256AlgorithmName} {
		t.Run(algorithm, func(t *testing.T) {
			require := require.New(t)
			m, s, transport := newBackupManager(nil, nil)
			addGroupSessions(t, s, 3)
			prepared, info := preparedVersionInfo(t, m, algorithm)

			require.Nil(m.EnableKeyBackup(info))
			require.Nil(m.StoreSessionBackupPrivateKey(prepared.PrivateKey))
			for i := 0; i < 3; i++ {
				require.Nil(m.BackupGroupSession("senderkey", fmt.Sprintf("sess%d", i)))
			}
			count, err := m.CountSessionsNeedingBackup()
			require.Nil(err)
			require.Equal(3, count)

			var uploaded json.RawMessage
			transport.handler = func(method, path string, query url.Values, body json.RawMessage) (interface{}, error) {
				require.Equal("PUT", method)
				require.Equal("/room_keys/keys", path)
				require.Equal("1", query.Get("version"))
				uploaded = body
				return nil, nil
			}
			remaining, err := m.BackupPendingKeys(context.Background(), 200)
			require.Nil(err)
			require.Equal(0, remaining)

			var payload KeyBackupPayload
			require.Nil(json.Unmarshal(uploaded, &payload))
			require.Len(payload.Rooms["!room:example.com"].Sessions, 3)

			// restore into a fresh store
			m2, s2, transport2 := newBackupManager(nil, nil)
			transport2.handler = func(method, path string, _ url.Values, _ json.RawMessage) (interface{}, error) {
				require.Equal("GET", method)
				require.Equal("/room_keys/keys", path)
				return json.RawMessage(uploaded), nil
			}
			result, err := m2.RestoreKeyBackup(context.Background(), prepared.PrivateKey, "", "", info)
			require.Nil(err)
			require.Equal(3, result.Total)
			require.Equal(3, result.Imported)
			require.Equal(3, countGroupSessions(t, s2))

			// trust annotation follows the algorithm
			untrusted := algorithm == Curve25519AlgorithmName
			require.Nil(s2.DoTxn(store.ReadOnly, []store.Table{store.TableInboundGroupSessions, store.TableInboundGroupSessionsWithheld}, func(txn store.Txn) error {
				data, _, err := txn.GetInboundGroupSession("senderkey", "sess0")
				require.Nil(err)
				require.NotNil(data)
				require.Equal(untrusted, data.Untrusted)
				require.Equal("!room:example.com", data.RoomID)
				require.Equal([]byte("exported-session-key-0"), data.Pickle)
				require.Equal(map[string]string{"ed25519": "claimedkey"}, data.KeysClaimed)
				return nil
			}))

			// the restore key is cached
			cached, err := m2.GetSessionBackupPrivateKey()
			require.Nil(err)
			require.Equal(prepared.PrivateKey, cached)
		})
	}
}

func TestBackupPendingKeysRespectsLimit(t *testing.T) {
	require := require.New(t)
	m, s, transport := newBackupManager(nil, nil)
	keys := addGroupSessions(t, s, 5)
	prepared, info := preparedVersionInfo(t, m, Curve25519AlgorithmName)
	require.Nil(m.EnableKeyBackup(info))
	require.Nil(m.StoreSessionBackupPrivateKey(prepared.PrivateKey))
	require.Nil(s.MarkSessionsNeedingBackup(keys))

	transport.handler = func(string, string, url.Values, json.RawMessage) (interface{}, error) { return nil, nil }
	remaining, err := m.BackupPendingKeys(context.Background(), 2)
	require.Nil(err)
	require.Equal(3, remaining)
	remaining, err = m.BackupPendingKeys(context.Background(), 2)
	require.Nil(err)
	require.Equal(1, remaining)
	remaining, err = m.BackupPendingKeys(context.Background(), 2)
	require.Nil(err)
	require.Equal(0, remaining)
}

func TestBackupPendingKeysDisabled(t *testing.T) {
	require := require.New(t)
	m, _, transport := newBackupManager(nil, nil)
	_, err := m.BackupPendingKeys(context.Background(), 200)
	require.ErrorIs(err, ErrNotEnabled)
	require.Equal(0, transport.callCount())
}

func TestBackupUploadFailureKeepsFlags(t *testing.T) {
	require := require.New(t)
	m, s, transport := newBackupManager(nil, nil)
	keys := addGroupSessions(t, s, 2)
	prepared, info := preparedVersionInfo(t, m, Curve25519AlgorithmName)
	require.Nil(m.EnableKeyBackup(info))
	require.Nil(m.StoreSessionBackupPrivateKey(prepared.PrivateKey))
	require.Nil(s.MarkSessionsNeedingBackup(keys))

	transport.handler = func(string, string, url.Values, json.RawMessage) (interface{}, error) {
		return nil, errors.New("gateway timeout")
	}
	_, err := m.BackupPendingKeys(context.Background(), 200)
	require.NotNil(err)

	// nothing was unflagged, so the next pass retries everything
	count, err := m.CountSessionsNeedingBackup()
	require.Nil(err)
	require.Equal(2, count)
}

func TestRestoreUnknownAlgorithmFailsBeforeFetch(t *testing.T) {
	require := require.New(t)
	m, _, transport := newBackupManager(nil, nil)
	info := &VersionInfo{Algorithm: "m.megolm_backup.v2.post-quantum", AuthData: map[string]interface{}{}, Version: "1"}
	_, err := m.RestoreKeyBackup(context.Background(), NewBackupKey(), "", "", info)
	require.ErrorIs(err, ErrUnknownAlgorithm)
	require.Equal(0, transport.callCount())

	require.ErrorIs(m.EnableKeyBackup(info), ErrUnknownAlgorithm)
}

func TestRestoreWrongKeyFailsBeforeFetch(t *testing.T) {
	require := require.New(t)
	m, _, transport := newBackupManager(nil, nil)
	for _, algorithm := range []string{Curve25519AlgorithmName, AES256AlgorithmName} {
		_, info := preparedVersionInfo(t, m, algorithm)
		_, err := m.RestoreKeyBackup(context.Background(), NewBackupKey(), "", "", info)
		require.ErrorIs(err, ErrKeyMismatch)
	}
	require.Equal(0, transport.callCount())
}

func TestRestoreNoPartialImport(t *testing.T) {
	require := require.New(t)
	m, s, transport := newBackupManager(nil, nil)
	addGroupSessions(t, s, 3)
	prepared, info := preparedVersionInfo(t, m, Curve25519AlgorithmName)
	require.Nil(m.EnableKeyBackup(info))
	require.Nil(m.StoreSessionBackupPrivateKey(prepared.PrivateKey))
	require.Nil(m.BackupGroupSession("senderkey", "sess0"))
	require.Nil(m.BackupGroupSession("senderkey", "sess1"))
	require.Nil(m.BackupGroupSession("senderkey", "sess2"))

	var uploaded json.RawMessage
	transport.handler = func(_, _ string, _ url.Values, body json.RawMessage) (interface{}, error) {
		uploaded = body
		return nil, nil
	}
	_, err := m.BackupPendingKeys(context.Background(), 200)
	require.Nil(err)

	// corrupt one session's mac
	var payload KeyBackupPayload
	require.Nil(json.Unmarshal(uploaded, &payload))
	var corrupt curve25519SessionData
	target := payload.Rooms["!room:example.com"].Sessions["sess1"]
	require.Nil(json.Unmarshal(target.SessionData, &corrupt))
	corrupt.Mac = encodeBase64([]byte("12345678"))
	damaged, err := json.Marshal(&corrupt)
	require.Nil(err)
	target.SessionData = damaged

	m2, s2, transport2 := newBackupManager(nil, nil)
	transport2.handler = func(string, string, url.Values, json.RawMessage) (interface{}, error) {
		return &payload, nil
	}
	_, err = m2.RestoreKeyBackup(context.Background(), prepared.PrivateKey, "", "", info)
	require.NotNil(err)
	require.Equal(0, countGroupSessions(t, s2))
}

func TestRestoreScopedFetchPaths(t *testing.T) {
	require := require.New(t)
	m, _, transport := newBackupManager(nil, nil)
	prepared, info := preparedVersionInfo(t, m, AES256AlgorithmName)

	algorithm, err := NewAlgorithm(info)
	require.Nil(err)
	sessionData, err := algorithm.EncryptSession(prepared.PrivateKey, &MegolmSessionData{
		Algorithm:  MegolmAlgorithm,
		RoomID:     "!room:example.com",
		SenderKey:  "senderkey",
		SessionID:  "sess0",
		SessionKey: "exported",
	})
	require.Nil(err)
	session := &KeyBackupSession{IsVerified: true, SessionData: sessionData}

	transport.handler = func(method, path string, _ url.Values, _ json.RawMessage) (interface{}, error) {
		switch path {
		case "/room_keys/keys/" + url.PathEscape("!room:example.com"):
			return &KeyBackupRoomSessions{Sessions: map[string]*KeyBackupSession{"sess0": session}}, nil
		case "/room_keys/keys/" + url.PathEscape("!room:example.com") + "/sess0":
			return session, nil
		}
		return nil, fmt.Errorf("unexpected path %s", path)
	}

	result, err := m.RestoreKeyBackup(context.Background(), prepared.PrivateKey, "!room:example.com", "", info)
	require.Nil(err)
	require.Equal(1, result.Imported)

	result, err = m.RestoreKeyBackup(context.Background(), prepared.PrivateKey, "!room:example.com", "sess0", info)
	require.Nil(err)
	require.Equal(1, result.Imported)
}

func TestFlagAllGroupSessionsForBackup(t *testing.T) {
	require := require.New(t)
	m, s, _ := newBackupManager(nil, nil)
	addGroupSessions(t, s, 4)

	count, err := m.FlagAllGroupSessionsForBackup()
	require.Nil(err)
	require.Equal(4, count)

	pending, err := m.CountSessionsNeedingBackup()
	require.Nil(err)
	require.Equal(4, pending)
}

func TestPrepareWithPassphrase(t *testing.T) {
	require := require.New(t)
	m, _, _ := newBackupManager(nil, nil)

	prepared, err := m.PrepareKeyBackupVersion(Curve25519AlgorithmName, "correct horse battery staple")
	require.Nil(err)
	salt, ok := prepared.AuthData["private_key_salt"].(string)
	require.True(ok)
	iterations, ok := prepared.AuthData["private_key_iterations"].(int)
	require.True(ok)

	// the key re-derives from the recorded salt and iterations
	rederived := KeyFromPassphrase("correct horse battery staple", salt, iterations)
	require.Equal(prepared.PrivateKey, rederived)
	require.NotEqual(prepared.PrivateKey, KeyFromPassphrase("wrong passphrase", salt, iterations))
}

func TestSignedAuthDataVerifies(t *testing.T) {
	require := require.New(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.Nil(err)
	signer := NewEd25519Signer("MASTERKEY", priv)
	m, _, _ := newBackupManager(signer, Ed25519Verifier{})

	prepared, err := m.PrepareKeyBackupVersion(Curve25519AlgorithmName, "")
	require.Nil(err)
	info := &VersionInfo{Algorithm: Curve25519AlgorithmName, AuthData: prepared.AuthData, Version: "1"}

	require.Nil(m.VerifyBackupAuthData(info, encodeBase64(pub)))

	// a different key does not verify
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.Nil(err)
	require.NotNil(m.VerifyBackupAuthData(info, encodeBase64(otherPub)))

	// tampering with auth_data breaks the signature
	info.AuthData["public_key"] = encodeBase64(NewBackupKey())
	require.NotNil(m.VerifyBackupAuthData(info, encodeBase64(pub)))
}

func TestVerifyFailsClosedWithoutVerifier(t *testing.T) {
	require := require.New(t)
	m, _, _ := newBackupManager(nil, nil)
	_, info := preparedVersionInfo(t, m, Curve25519AlgorithmName)
	require.NotNil(m.VerifyBackupAuthData(info, "whatever"))
}
