package store

// RequestState is the lifecycle state of an outgoing room key request.
type RequestState int

const (
	// RequestStateUnsent means the request has not been sent yet.
	RequestStateUnsent RequestState = iota
	// RequestStateSent means the request was sent and awaits a reply.
	RequestStateSent
	// RequestStateCancellationPending means a reply arrived and a
	// cancellation has not yet been sent.
	RequestStateCancellationPending
	// RequestStateCancellationPendingAndWillResend means the pending
	// cancellation will transition the request back to unsent instead of
	// deleting it.
	RequestStateCancellationPendingAndWillResend
)

func (s RequestState) String() string {
	switch s {
	case RequestStateUnsent:
		return "unsent"
	case RequestStateSent:
		return "sent"
	case RequestStateCancellationPending:
		return "cancellation_pending"
	case RequestStateCancellationPendingAndWillResend:
		return "cancellation_pending_and_will_resend"
	default:
		return "unknown"
	}
}

// RequestBody identifies exactly which megolm session is wanted. Two
// outstanding requests are considered duplicates when their bodies are equal.
type RequestBody struct {
	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id"`
	SenderKey string `json:"sender_key"`
	Algorithm string `json:"algorithm"`
}

// Recipient is a user/device pair a key request is addressed to. DeviceID
// may be the wildcard "*".
type Recipient struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

type OutgoingRoomKeyRequest struct {
	RequestID         string
	RequestTxnID      string
	CancellationTxnID string
	RequestBody       RequestBody
	Recipients        []Recipient
	State             RequestState
}

// RequestUpdates carries the fields an update may change; nil pointers leave
// the stored value untouched.
type RequestUpdates struct {
	State             *RequestState
	RequestTxnID      *string
	CancellationTxnID *string
}

// SessionInfo is a 1:1 olm session record. The pickle is opaque to the store.
type SessionInfo struct {
	DeviceKey    string
	SessionID    string
	Pickle       []byte
	LastReceived uint64
}

// SessionProblem records a decryption problem seen on an olm session.
type SessionProblem struct {
	Type   string
	Fixed  bool
	TimeMs uint64
}

// DeviceRef names a user's device.
type DeviceRef struct {
	UserID   string
	DeviceID string
}

// SessionKey identifies an inbound group session.
type SessionKey struct {
	SenderKey string
	SessionID string
}

// InboundGroupSessionData holds the opaque pickled megolm session plus the
// metadata needed to re-share and back it up.
type InboundGroupSessionData struct {
	RoomID             string            `json:"room_id"`
	Pickle             []byte            `json:"session"`
	ForwardingKeyChain []string          `json:"forwarding_curve25519_key_chain"`
	KeysClaimed        map[string]string `json:"keys_claimed"`
	Untrusted          bool              `json:"untrusted,omitempty"`
}

type InboundGroupSession struct {
	SenderKey string
	SessionID string
	Data      *InboundGroupSessionData
}

// Withheld records why a group session was deliberately not shared with us.
type Withheld struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// RoomEncryption remembers, per room, that encryption is enabled and with
// what algorithm and rotation parameters.
type RoomEncryption struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMs   uint64 `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs uint64 `json:"rotation_period_msgs,omitempty"`
}

// ParkedSharedHistory is a shared-history key parked until the room's
// membership can be checked.
type ParkedSharedHistory struct {
	SenderID           string            `json:"senderId"`
	SenderKey          string            `json:"senderKey"`
	SessionID          string            `json:"sessionId"`
	SessionKey         []byte            `json:"sessionKey"`
	KeysClaimed        map[string]string `json:"keysClaimed"`
	ForwardingKeyChain []string          `json:"forwardingCurve25519KeyChain"`
}

// SecretStoreKeyBackup names the secret-store slot holding the megolm backup
// decryption key.
const SecretStoreKeyBackup = "m.megolm_backup.v1"

func (r *OutgoingRoomKeyRequest) applyUpdates(updates *RequestUpdates) {
	if updates == nil {
		return
	}
	if updates.State != nil {
		r.State = *updates.State
	}
	if updates.RequestTxnID != nil {
		r.RequestTxnID = *updates.RequestTxnID
	}
	if updates.CancellationTxnID != nil {
		r.CancellationTxnID = *updates.CancellationTxnID
	}
}

func stateIn(state RequestState, states []RequestState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func recipientIn(recipients []Recipient, userID, deviceID string) bool {
	for _, r := range recipients {
		if r.UserID == userID && r.DeviceID == deviceID {
			return true
		}
	}
	return false
}
