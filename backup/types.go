package backup

import "encoding/json"

// VersionInfo describes one key backup version as the server reports it.
type VersionInfo struct {
	Algorithm string                 `json:"algorithm"`
	AuthData  map[string]interface{} `json:"auth_data"`
	Version   string                 `json:"version,omitempty"`
	Count     int                    `json:"count,omitempty"`
	Etag      string                 `json:"etag,omitempty"`
}

// KeyBackupSession is one backed-up megolm session; SessionData is the
// algorithm-specific encrypted payload.
type KeyBackupSession struct {
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// KeyBackupRoomSessions maps session id to backed-up session.
type KeyBackupRoomSessions struct {
	Sessions map[string]*KeyBackupSession `json:"sessions"`
}

// KeyBackupPayload is the body of a bulk upload or download, keyed by room.
type KeyBackupPayload struct {
	Rooms map[string]*KeyBackupRoomSessions `json:"rooms"`
}

// MegolmSessionData is the cleartext form of a backed-up session, identical
// to the export format.
type MegolmSessionData struct {
	Algorithm          string            `json:"algorithm"`
	RoomID             string            `json:"room_id"`
	SenderKey          string            `json:"sender_key"`
	SessionID          string            `json:"session_id"`
	SessionKey         string            `json:"session_key"`
	SenderClaimedKeys  map[string]string `json:"sender_claimed_keys"`
	ForwardingKeyChain []string          `json:"forwarding_curve25519_key_chain"`
}

// RestoreResult reports how a restore went.
type RestoreResult struct {
	// Total is how many sessions the backup held for the query.
	Total int
	// Imported is how many were written to the store.
	Imported int
}
