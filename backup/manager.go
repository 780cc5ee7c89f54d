// Megolm key backup: maintaining the server-side backup of inbound group
// sessions and restoring from it. Which sessions still need uploading is
// tracked in the store, so an interrupted upload resumes after a restart.
package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/quince-im/go-cryptostore/config"
	"github.com/quince-im/go-cryptostore/store"
	"go.uber.org/zap"
)

// MegolmAlgorithm is the room message encryption algorithm whose sessions
// get backed up.
const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// ErrNotEnabled means an upload was attempted with no backup version
// enabled.
var ErrNotEnabled = errors.New("backup: key backup not enabled")

// Transport issues one homeserver request. path is relative to the client
// API prefix; body and result are JSON-encoded/decoded, either may be nil.
type Transport interface {
	Request(ctx context.Context, method, path string, query url.Values, body, result interface{}) error
}

type Manager struct {
	log       *zap.SugaredLogger
	store     *store.Store
	transport Transport
	signer    Signer
	verifier  Verifier
	userID    string

	lock      sync.Mutex
	enabled   bool
	info      *VersionInfo
	algorithm Algorithm
}

func NewManager(c *config.Config, s *store.Store, transport Transport, userID string, signer Signer, verifier Verifier) *Manager {
	return &Manager{
		log:       c.Logger("backup"),
		store:     s,
		transport: transport,
		signer:    signer,
		verifier:  verifier,
		userID:    userID,
	}
}

// EnableKeyBackup starts using the given backup version for uploads. The
// algorithm must be known; nothing is checked against the server here.
func (m *Manager) EnableKeyBackup(info *VersionInfo) error {
	algorithm, err := NewAlgorithm(info)
	if err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.enabled = true
	m.info = info
	m.algorithm = algorithm
	m.log.Infof("key backup enabled, version %s algorithm %s", info.Version, info.Algorithm)
	return nil
}

func (m *Manager) DisableKeyBackup() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.enabled = false
	m.info = nil
	m.algorithm = nil
	m.log.Infof("key backup disabled")
}

func (m *Manager) Enabled() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.enabled
}

func (m *Manager) Version() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.info == nil {
		return ""
	}
	return m.info.Version
}

// PreparedVersion holds everything needed to create a backup version: the
// private key stays with the caller, the rest goes to the server.
type PreparedVersion struct {
	Algorithm   string
	AuthData    map[string]interface{}
	PrivateKey  []byte
	RecoveryKey string
}

// PrepareKeyBackupVersion generates a backup key (from the passphrase when
// one is given) and builds the matching auth_data, signed with the
// cross-signing key when a signer is configured.
func (m *Manager) PrepareKeyBackupVersion(algorithm, passphrase string) (*PreparedVersion, error) {
	if algorithm == "" {
		algorithm = Curve25519AlgorithmName
	}
	var key []byte
	var salt string
	if passphrase != "" {
		salt = NewPassphraseSalt()
		key = KeyFromPassphrase(passphrase, salt, passphraseIterations)
	} else {
		key = NewBackupKey()
	}
	authData, err := PrepareAuthData(algorithm, key)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		authData["private_key_salt"] = salt
		authData["private_key_iterations"] = passphraseIterations
		authData["private_key_bits"] = 256
	}
	if m.signer != nil {
		keyID, signature, err := m.signer.Sign(authData)
		if err != nil {
			return nil, fmt.Errorf("backup: signing auth_data: %w", err)
		}
		authData["signatures"] = map[string]interface{}{
			m.userID: map[string]interface{}{keyID: signature},
		}
	}
	return &PreparedVersion{
		Algorithm:   algorithm,
		AuthData:    authData,
		PrivateKey:  key,
		RecoveryKey: EncodeRecoveryKey(key),
	}, nil
}

// CreateKeyBackupVersion uploads a prepared version and reads it back to
// confirm, then enables it and caches the private key. Exactly two requests
// on success.
func (m *Manager) CreateKeyBackupVersion(ctx context.Context, prepared *PreparedVersion) (*VersionInfo, error) {
	var created struct {
		Version string `json:"version"`
	}
	err := m.transport.Request(ctx, "POST", "/room_keys/version", nil, &VersionInfo{
		Algorithm: prepared.Algorithm,
		AuthData:  prepared.AuthData,
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("backup: creating version: %w", err)
	}

	var info VersionInfo
	if err := m.transport.Request(ctx, "GET", "/room_keys/version", nil, nil, &info); err != nil {
		return nil, fmt.Errorf("backup: confirming version: %w", err)
	}
	if info.Version != created.Version {
		return nil, fmt.Errorf("backup: created version %s but server reports %s as current", created.Version, info.Version)
	}
	if err := m.EnableKeyBackup(&info); err != nil {
		return nil, err
	}
	if err := m.StoreSessionBackupPrivateKey(prepared.PrivateKey); err != nil {
		return nil, err
	}
	return &info, nil
}

// BackupGroupSession flags one session for upload. The actual send happens
// on the owning client's backup loop.
func (m *Manager) BackupGroupSession(senderKey, sessionID string) error {
	if err := m.store.MarkSessionsNeedingBackup([]store.SessionKey{{SenderKey: senderKey, SessionID: sessionID}}); err != nil {
		return fmt.Errorf("backup: flagging session: %w", err)
	}
	return nil
}

// FlagAllGroupSessionsForBackup marks every known group session for upload,
// returning how many there are. Used when a new backup version starts.
func (m *Manager) FlagAllGroupSessionsForBackup() (int, error) {
	count := 0
	err := m.store.DoTxn(store.ReadWrite, []store.Table{store.TableInboundGroupSessions, store.TableSessionsNeedingBackup}, func(txn store.Txn) error {
		var keys []store.SessionKey
		if err := txn.ForEachInboundGroupSession(func(session *store.InboundGroupSession) error {
			keys = append(keys, store.SessionKey{SenderKey: session.SenderKey, SessionID: session.SessionID})
			return nil
		}); err != nil {
			return err
		}
		count = len(keys)
		return txn.MarkSessionsNeedingBackup(keys)
	})
	if err != nil {
		return 0, fmt.Errorf("backup: flagging all sessions: %w", err)
	}
	return count, nil
}

func (m *Manager) CountSessionsNeedingBackup() (int, error) {
	return m.store.CountSessionsNeedingBackup()
}

// BackupPendingKeys uploads up to limit pending sessions in one request and
// unflags them on success, returning how many sessions still wait.
func (m *Manager) BackupPendingKeys(ctx context.Context, limit int) (int, error) {
	m.lock.Lock()
	enabled, info, algorithm := m.enabled, m.info, m.algorithm
	m.lock.Unlock()
	if !enabled {
		return 0, ErrNotEnabled
	}

	sessions, err := m.store.GetSessionsNeedingBackup(limit)
	if err != nil {
		return 0, fmt.Errorf("backup: listing pending sessions: %w", err)
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	privKey, err := m.GetSessionBackupPrivateKey()
	if err != nil {
		return 0, err
	}

	payload := &KeyBackupPayload{Rooms: make(map[string]*KeyBackupRoomSessions)}
	keys := make([]store.SessionKey, 0, len(sessions))
	for _, session := range sessions {
		sessionData, err := algorithm.EncryptSession(privKey, &MegolmSessionData{
			Algorithm:          MegolmAlgorithm,
			RoomID:             session.Data.RoomID,
			SenderKey:          session.SenderKey,
			SessionID:          session.SessionID,
			SessionKey:         string(session.Data.Pickle),
			SenderClaimedKeys:  session.Data.KeysClaimed,
			ForwardingKeyChain: session.Data.ForwardingKeyChain,
		})
		if err != nil {
			return 0, fmt.Errorf("backup: sealing session %s: %w", session.SessionID, err)
		}
		room, ok := payload.Rooms[session.Data.RoomID]
		if !ok {
			room = &KeyBackupRoomSessions{Sessions: make(map[string]*KeyBackupSession)}
			payload.Rooms[session.Data.RoomID] = room
		}
		room.Sessions[session.SessionID] = &KeyBackupSession{
			FirstMessageIndex: 0,
			ForwardedCount:    len(session.Data.ForwardingKeyChain),
			IsVerified:        !session.Data.Untrusted,
			SessionData:       sessionData,
		}
		keys = append(keys, store.SessionKey{SenderKey: session.SenderKey, SessionID: session.SessionID})
	}

	query := url.Values{"version": []string{info.Version}}
	if err := m.transport.Request(ctx, "PUT", "/room_keys/keys", query, payload, nil); err != nil {
		return 0, fmt.Errorf("backup: uploading keys: %w", err)
	}
	if err := m.store.UnmarkSessionsNeedingBackup(keys); err != nil {
		return 0, fmt.Errorf("backup: unflagging sessions: %w", err)
	}

	remaining, err := m.store.CountSessionsNeedingBackup()
	if err != nil {
		return 0, fmt.Errorf("backup: counting pending sessions: %w", err)
	}
	m.log.Debugf("uploaded %d key backup sessions, %d remaining", len(keys), remaining)
	return remaining, nil
}

// RestoreKeyBackup fetches and decrypts backed-up sessions and imports them
// into the store. roomID and sessionID narrow the fetch; both empty means
// everything. Nothing is imported unless every fetched session decrypts.
func (m *Manager) RestoreKeyBackup(ctx context.Context, privKey []byte, roomID, sessionID string, info *VersionInfo) (*RestoreResult, error) {
	algorithm, err := NewAlgorithm(info)
	if err != nil {
		return nil, err
	}
	matches, err := algorithm.KeyMatches(privKey)
	if err != nil {
		return nil, err
	}
	if !matches {
		return nil, ErrKeyMismatch
	}

	rooms, err := m.fetchBackedUpKeys(ctx, roomID, sessionID, info.Version)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{}
	decrypted := make(map[string][]*MegolmSessionData)
	for fetchedRoomID, room := range rooms {
		result.Total += len(room.Sessions)
		sessions, err := algorithm.DecryptSessions(privKey, room.Sessions)
		if err != nil {
			return nil, err
		}
		decrypted[fetchedRoomID] = sessions
	}

	untrusted := algorithm.Untrusted()
	err = m.store.DoTxn(store.ReadWrite, []store.Table{store.TableInboundGroupSessions}, func(txn store.Txn) error {
		for fetchedRoomID, sessions := range decrypted {
			for _, session := range sessions {
				if err := txn.AddInboundGroupSession(session.SenderKey, session.SessionID, &store.InboundGroupSessionData{
					RoomID:             fetchedRoomID,
					Pickle:             []byte(session.SessionKey),
					ForwardingKeyChain: session.ForwardingKeyChain,
					KeysClaimed:        session.SenderClaimedKeys,
					Untrusted:          untrusted,
				}); err != nil {
					return err
				}
				result.Imported++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backup: importing sessions: %w", err)
	}

	if err := m.StoreSessionBackupPrivateKey(privKey); err != nil {
		return nil, err
	}
	m.log.Infof("restored %d of %d sessions from key backup version %s", result.Imported, result.Total, info.Version)
	return result, nil
}

// RestoreKeyBackupWithRecoveryKey is RestoreKeyBackup with the private key
// supplied in recovery key form.
func (m *Manager) RestoreKeyBackupWithRecoveryKey(ctx context.Context, recoveryKey, roomID, sessionID string, info *VersionInfo) (*RestoreResult, error) {
	privKey, err := DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return nil, err
	}
	return m.RestoreKeyBackup(ctx, privKey, roomID, sessionID, info)
}

func (m *Manager) fetchBackedUpKeys(ctx context.Context, roomID, sessionID, version string) (map[string]*KeyBackupRoomSessions, error) {
	query := url.Values{"version": []string{version}}
	switch {
	case roomID == "":
		var payload KeyBackupPayload
		if err := m.transport.Request(ctx, "GET", "/room_keys/keys", query, nil, &payload); err != nil {
			return nil, fmt.Errorf("backup: fetching keys: %w", err)
		}
		return payload.Rooms, nil
	case sessionID == "":
		var room KeyBackupRoomSessions
		path := "/room_keys/keys/" + url.PathEscape(roomID)
		if err := m.transport.Request(ctx, "GET", path, query, nil, &room); err != nil {
			return nil, fmt.Errorf("backup: fetching keys for %s: %w", roomID, err)
		}
		return map[string]*KeyBackupRoomSessions{roomID: &room}, nil
	default:
		var session KeyBackupSession
		path := "/room_keys/keys/" + url.PathEscape(roomID) + "/" + url.PathEscape(sessionID)
		if err := m.transport.Request(ctx, "GET", path, query, nil, &session); err != nil {
			return nil, fmt.Errorf("backup: fetching key %s/%s: %w", roomID, sessionID, err)
		}
		return map[string]*KeyBackupRoomSessions{
			roomID: {Sessions: map[string]*KeyBackupSession{sessionID: &session}},
		}, nil
	}
}

// GetSessionBackupPrivateKey returns the cached backup private key, nil when
// none is cached.
func (m *Manager) GetSessionBackupPrivateKey() ([]byte, error) {
	key, err := m.store.GetSecretStorePrivateKey(store.SecretStoreKeyBackup)
	if err != nil {
		return nil, fmt.Errorf("backup: reading cached key: %w", err)
	}
	return key, nil
}

func (m *Manager) StoreSessionBackupPrivateKey(key []byte) error {
	if err := m.store.StoreSecretStorePrivateKey(store.SecretStoreKeyBackup, key); err != nil {
		return fmt.Errorf("backup: caching key: %w", err)
	}
	return nil
}

// VerifyBackupAuthData checks that the backup's auth_data carries a valid
// signature from the given cross-signing master key. With no verifier
// configured every backup is treated as unverified.
func (m *Manager) VerifyBackupAuthData(info *VersionInfo, masterPublicKey string) error {
	if m.verifier == nil {
		return errors.New("backup: no signature verifier configured")
	}
	return m.verifier.Verify(info.AuthData, masterPublicKey, m.userID)
}
