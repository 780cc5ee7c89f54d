// This package provides a high-level interface to the end-to-end-encryption
// store. It ties together the persistent session store, the per-room
// encryption registry, the outgoing room key request manager and the megolm
// key backup, over a database encrypted at rest.
package cryptostore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/quince-im/go-cryptostore/backup"
	"github.com/quince-im/go-cryptostore/clock"
	"github.com/quince-im/go-cryptostore/config"
	"github.com/quince-im/go-cryptostore/internal/db"
	"github.com/quince-im/go-cryptostore/keyrequest"
	"github.com/quince-im/go-cryptostore/roomlist"
	"github.com/quince-im/go-cryptostore/store"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

// An event indicating a change in the state of the client.
type AppState struct {
	State int
}

// An event indicating key backup was enabled or disabled.
type KeyBackupStatus struct {
	Enabled bool
	Version string
}

// An event indicating progress of a backup upload pass.
type KeyBackupSessionsRemaining struct {
	Count int
}

// Deps are the collaborators the embedding client supplies: who we are, how
// to reach the homeserver and how to send to-device events. Signer and
// Verifier are optional; without a verifier every backup is treated as
// unverified.
type Deps struct {
	UserID    string
	DeviceID  string
	Sender    keyrequest.Sender
	Transport backup.Transport
	Signer    backup.Signer
	Verifier  backup.Verifier
	// MemoryStore holds everything in memory instead of the encrypted
	// database, for ephemeral (guest) sessions.
	MemoryStore bool
}

type Client struct {
	DB *db.Database

	config      *config.Config
	log         *zap.SugaredLogger
	clock       clock.Clock
	deps        *Deps
	state       int
	backend     store.Backend
	store       *store.Store
	rooms       *roomlist.List
	keyRequests *keyrequest.Manager
	backup      *backup.Manager
	updates     chan interface{}
	cancelFunc  context.CancelFunc
	ctx         context.Context
	finished    sync.WaitGroup

	backupSendLock    sync.Mutex
	backupSendRunning bool
}

// Create a client instance.
func NewClient(c *config.Config, deps *Deps) (*Client, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making crypto store, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}

	cl := clock.NewSystemClock()
	client := &Client{
		config:  c,
		log:     log,
		clock:   cl,
		deps:    deps,
		state:   StateNew,
		updates: make(chan interface{}, 100),
	}

	if deps.MemoryStore {
		return client, nil
	}

	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}
	client.DB = database
	if database.Initialized() {
		client.state = StateInitialized
	}
	return client, nil
}

// Gets various updates which must be dealt with. This will produce
// *AppState, *KeyBackupStatus or *KeyBackupSessionsRemaining.
func (cl *Client) Updates() chan interface{} {
	return cl.updates
}

// Returns true if the client is in NEW state.
func (cl *Client) New() bool {
	return cl.state == StateNew
}

// Returns true if the client is in INITIALIZED state.
func (cl *Client) Initialized() bool {
	return cl.state == StateInitialized
}

// Returns true if the client is in RUNNING state.
func (cl *Client) Running() bool {
	return cl.state == StateRunning
}

// Initialize the client with a given key and open it.
func (cl *Client) Initialize(key []byte) error {
	if cl.state != StateNew {
		return errors.New("cryptostore: cannot initialize unless in state new")
	}
	if cl.DB != nil {
		if err := cl.DB.Initialize(key); err != nil {
			return err
		}
	}
	cl.setState(StateInitialized)
	return cl.Open(key)
}

// Initialize the client with a key derived from a password and open it.
func (cl *Client) InitializeWithPassword(password string) error {
	key, err := deriveKey(password, cl.config.RootDir)
	if err != nil {
		return err
	}
	return cl.Initialize(key)
}

// Open an existing client with a key derived from a password.
func (cl *Client) OpenWithPassword(password string) error {
	key, err := deriveKey(password, cl.config.RootDir)
	if err != nil {
		return err
	}
	return cl.Open(key)
}

// Open an existing client with a given key.
func (cl *Client) Open(key []byte) error {
	if cl.state != StateInitialized {
		return errors.New("cryptostore: cannot open unless in state initialized")
	}

	if cl.deps.MemoryStore {
		cl.backend = store.NewMemoryBackend(cl.config, cl.clock)
	} else {
		if err := cl.DB.Open(key); err != nil {
			return err
		}
		cl.backend = store.NewSQLiteBackend(cl.config, cl.DB, cl.clock)
	}
	if err := cl.backend.Startup(); err != nil {
		return err
	}
	cl.store = store.New(cl.backend)

	cl.rooms = roomlist.NewList(cl.config, cl.store)
	if err := cl.rooms.Init(); err != nil {
		return err
	}
	cl.keyRequests = keyrequest.NewManager(cl.config, cl.store, cl.deps.Sender, cl.deps.DeviceID)
	cl.backup = backup.NewManager(cl.config, cl.store, cl.deps.Transport, cl.deps.UserID, cl.deps.Signer, cl.deps.Verifier)

	ctx, cancelFunc := context.WithCancel(context.Background())
	cl.ctx = ctx
	cl.cancelFunc = cancelFunc

	cl.setState(StateRunning)
	// anything queued before the last shutdown goes out now
	cl.keyRequests.SendQueuedRequests()
	return nil
}

// Gracefully stop a running client.
func (cl *Client) Shutdown() error {
	if cl.state != StateRunning {
		return nil
	}
	defer runtime.GC()

	errs := make([]string, 0)
	cl.cancelFunc()
	cl.keyRequests.Stop()
	cl.finished.Wait()

	if err := cl.backend.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("cryptostore: error during shutdown: %s", strings.Join(errs, ", "))
	}

	cl.cancelFunc = nil
	cl.backend = nil
	cl.store = nil
	cl.rooms = nil
	cl.keyRequests = nil
	cl.backup = nil

	cl.setState(StateInitialized)

	close(cl.updates)
	cl.updates = make(chan interface{}, 100)
	return nil
}

// Store exposes the underlying transactional store.
func (cl *Client) Store() *store.Store {
	return cl.store
}

// DeleteAllData wipes every collection. The client keeps running with an
// empty store.
func (cl *Client) DeleteAllData() error {
	if cl.state != StateRunning {
		return fmt.Errorf("cryptostore: expected state %d, was %d", StateRunning, cl.state)
	}
	if err := cl.store.DeleteAllData(); err != nil {
		return err
	}
	return cl.rooms.Init()
}

// Record that a room uses encryption.
func (cl *Client) SetRoomEncryption(roomID string, info *store.RoomEncryption) error {
	return cl.rooms.SetRoomEncryption(roomID, info)
}

func (cl *Client) IsRoomEncrypted(roomID string) bool {
	return cl.rooms.IsRoomEncrypted(roomID)
}

func (cl *Client) RoomEncryption(roomID string) *store.RoomEncryption {
	return cl.rooms.RoomEncryption(roomID)
}

func (cl *Client) EncryptedRooms() []string {
	return cl.rooms.EncryptedRooms()
}

// Request a room key from the given devices, unless an equal request is
// already queued or sent.
func (cl *Client) RequestRoomKey(body store.RequestBody, recipients []store.Recipient) error {
	if err := cl.keyRequests.QueueKeyRequest(body, recipients, false); err != nil {
		return err
	}
	cl.keyRequests.SendQueuedRequests()
	return nil
}

// Request a room key again, cancelling any request already sent.
func (cl *Client) ReRequestRoomKey(body store.RequestBody, recipients []store.Recipient) error {
	if err := cl.keyRequests.QueueKeyRequest(body, recipients, true); err != nil {
		return err
	}
	cl.keyRequests.SendQueuedRequests()
	return nil
}

// Cancel any room key request matching the body.
func (cl *Client) CancelRoomKeyRequest(body store.RequestBody) error {
	return cl.keyRequests.CancelKeyRequest(body)
}

func (cl *Client) SentKeyRequestsForDevice(userID, deviceID string) ([]*store.OutgoingRoomKeyRequest, error) {
	return cl.keyRequests.SentRequestsForDevice(userID, deviceID)
}

func (cl *Client) CancelAndResendAllKeyRequests() error {
	return cl.keyRequests.CancelAndResendAllRequests()
}

// Enable key backup against the given version and start uploading anything
// pending.
func (cl *Client) EnableKeyBackup(info *backup.VersionInfo) error {
	if err := cl.backup.EnableKeyBackup(info); err != nil {
		return err
	}
	cl.emit(&KeyBackupStatus{Enabled: true, Version: info.Version})
	cl.scheduleKeyBackupSend()
	return nil
}

func (cl *Client) DisableKeyBackup() {
	cl.backup.DisableKeyBackup()
	cl.emit(&KeyBackupStatus{Enabled: false})
}

func (cl *Client) KeyBackupEnabled() bool {
	return cl.backup.Enabled()
}

func (cl *Client) PrepareKeyBackupVersion(algorithm, passphrase string) (*backup.PreparedVersion, error) {
	return cl.backup.PrepareKeyBackupVersion(algorithm, passphrase)
}

func (cl *Client) CreateKeyBackupVersion(ctx context.Context, prepared *backup.PreparedVersion) (*backup.VersionInfo, error) {
	info, err := cl.backup.CreateKeyBackupVersion(ctx, prepared)
	if err != nil {
		return nil, err
	}
	cl.emit(&KeyBackupStatus{Enabled: true, Version: info.Version})
	// a new version starts empty, so everything we hold needs uploading
	if _, err := cl.backup.FlagAllGroupSessionsForBackup(); err != nil {
		return nil, err
	}
	cl.scheduleKeyBackupSend()
	return info, nil
}

// Flag a group session for backup and kick the uploader.
func (cl *Client) BackupGroupSession(senderKey, sessionID string) error {
	if err := cl.backup.BackupGroupSession(senderKey, sessionID); err != nil {
		return err
	}
	if cl.backup.Enabled() {
		cl.scheduleKeyBackupSend()
	}
	return nil
}

func (cl *Client) CountSessionsNeedingBackup() (int, error) {
	return cl.backup.CountSessionsNeedingBackup()
}

func (cl *Client) RestoreKeyBackup(ctx context.Context, privKey []byte, roomID, sessionID string, info *backup.VersionInfo) (*backup.RestoreResult, error) {
	return cl.backup.RestoreKeyBackup(ctx, privKey, roomID, sessionID, info)
}

func (cl *Client) RestoreKeyBackupWithRecoveryKey(ctx context.Context, recoveryKey, roomID, sessionID string, info *backup.VersionInfo) (*backup.RestoreResult, error) {
	return cl.backup.RestoreKeyBackupWithRecoveryKey(ctx, recoveryKey, roomID, sessionID, info)
}

func (cl *Client) VerifyBackupAuthData(info *backup.VersionInfo, masterPublicKey string) error {
	return cl.backup.VerifyBackupAuthData(info, masterPublicKey)
}

// scheduleKeyBackupSend starts the background upload pass unless one is
// already running. The pass waits a random delay to spread load when a key
// is shared to a large room, then uploads in chunks, backing off
// exponentially on failure until nothing remains.
func (cl *Client) scheduleKeyBackupSend() {
	cl.backupSendLock.Lock()
	defer cl.backupSendLock.Unlock()
	if cl.backupSendRunning {
		return
	}
	cl.backupSendRunning = true

	ctx := cl.ctx
	cl.finished.Add(1)
	go func() {
		defer cl.finished.Done()
		defer func() {
			cl.backupSendLock.Lock()
			cl.backupSendRunning = false
			cl.backupSendLock.Unlock()
		}()

		if cl.config.BackupMaxSendDelayMs > 0 {
			delay := time.Duration(rand.Int63n(cl.config.BackupMaxSendDelayMs)) * time.Millisecond
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		for {
			remaining, err := cl.backup.BackupPendingKeys(ctx, cl.config.BackupKeysPerRequest)
			if err != nil {
				if errors.Is(err, backup.ErrNotEnabled) || ctx.Err() != nil {
					return
				}
				wait := bo.NextBackOff()
				cl.log.Warnf("key backup upload failed, retrying in %s: %v", wait, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			bo.Reset()
			cl.emit(&KeyBackupSessionsRemaining{Count: remaining})
			if remaining == 0 {
				return
			}
		}
	}()
}

// emit delivers an update without blocking. When nobody drains Updates and
// the buffer fills up, events are dropped rather than wedging the sender.
func (cl *Client) emit(update interface{}) {
	select {
	case cl.updates <- update:
	default:
		cl.log.Debugf("dropping update %T, updates channel full", update)
	}
}

func (cl *Client) setState(state int) {
	cl.state = state
	cl.emit(&AppState{state})
}
