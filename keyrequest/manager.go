// Management of outgoing room key requests.
//
// A request walks a small state machine:
//
//	    |         (cancellation sent)
//	    | .-----------------------------------------.
//	    | |                                         |
//	    V V     (cancellation requested)            |
//	  unsent ---------------------------+           |
//	    |                               |           |
//	    | (send successful)             |  cancellation_pending_and_will_resend
//	    V                               |           ^
//	   sent                             |           |
//	    |------------------------------ | ----------'
//	    |                               |  (cancellation requested with intent
//	    | (cancellation requested)      |   to resend the original request)
//	    V                               |
//	cancellation_pending                |
//	    |                               |
//	    | (cancellation sent)           |
//	    V                               |
//	(deleted) <-------------------------+
//
// All state lives in the store; the manager only adds a drain loop which
// wakes after a short delay and sends whatever is pending, one request at a
// time, so that concurrent processes sharing the store cannot double-send.
package keyrequest

import (
	"fmt"
	"sync"
	"time"

	"github.com/quince-im/go-cryptostore/config"
	"github.com/quince-im/go-cryptostore/ids"
	"github.com/quince-im/go-cryptostore/store"
	"go.uber.org/zap"
)

// EventRoomKeyRequest is the to-device event type carrying requests and
// cancellations.
const EventRoomKeyRequest = "m.room_key_request"

// toDeviceMessageID keys the per-message id added to each to-device payload.
const toDeviceMessageID = "org.matrix.msgid"

// Sender delivers a to-device event to a set of devices. The message map is
// keyed by user id, then by device id ("*" for all of a user's devices).
type Sender interface {
	SendToDevice(eventType string, messages map[string]map[string]map[string]interface{}, txnID string) error
}

type Manager struct {
	log      *zap.SugaredLogger
	store    *store.Store
	sender   Sender
	deviceID string
	delay    time.Duration

	lock      sync.Mutex
	timer     *time.Timer
	retrigger bool
	stopped   bool
}

func NewManager(c *config.Config, s *store.Store, sender Sender, deviceID string) *Manager {
	return &Manager{
		log:      c.Logger("keyrequest"),
		store:    s,
		sender:   sender,
		deviceID: deviceID,
		delay:    time.Duration(c.SendKeyRequestsDelayMs) * time.Millisecond,
	}
}

// Stop halts the drain loop. Requests already queued stay in the store and
// go out after a restart.
func (m *Manager) Stop() {
	m.log.Debugf("stopping outgoing room key request manager")
	m.lock.Lock()
	defer m.lock.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// SendQueuedRequests kicks the drain loop, which wakes after the configured
// delay to allow for the key turning up anyway and for grouping requests.
func (m *Manager) SendQueuedRequests() {
	m.startTimer()
}

// QueueKeyRequest queues a room key request unless an equal body is already
// queued or sent. With resend set, an already-sent request is cancelled and
// sent again with a fresh transaction id.
func (m *Manager) QueueKeyRequest(body store.RequestBody, recipients []store.Recipient, resend bool) error {
	req, err := m.store.GetOutgoingRoomKeyRequest(body)
	if err != nil {
		return fmt.Errorf("keyrequest: queueing request: %w", err)
	}
	if req == nil {
		if _, err := m.store.GetOrAddOutgoingRoomKeyRequest(&store.OutgoingRoomKeyRequest{
			RequestID:   ids.NewTxnID(),
			RequestBody: body,
			Recipients:  recipients,
			State:       store.RequestStateUnsent,
		}); err != nil {
			return fmt.Errorf("keyrequest: queueing request: %w", err)
		}
		return nil
	}

	switch req.State {
	case store.RequestStateUnsent, store.RequestStateCancellationPendingAndWillResend:
		// a request is going to be sent anyway
		return nil
	case store.RequestStateCancellationPending:
		// the existing request is about to be cancelled. If we want a
		// resend, arrange for it to follow the cancellation; otherwise
		// cancel the cancellation.
		state := store.RequestStateSent
		if resend {
			state = store.RequestStateCancellationPendingAndWillResend
		}
		cancellationTxnID := ids.NewTxnID()
		if _, err := m.store.UpdateOutgoingRoomKeyRequest(req.RequestID, store.RequestStateCancellationPending, &store.RequestUpdates{
			State:             &state,
			CancellationTxnID: &cancellationTxnID,
		}); err != nil {
			return fmt.Errorf("keyrequest: queueing request: %w", err)
		}
		return nil
	case store.RequestStateSent:
		if !resend {
			return nil
		}
		state := store.RequestStateCancellationPendingAndWillResend
		cancellationTxnID := ids.NewTxnID()
		// a new transaction id so the resent request isn't deduplicated
		// away by the server
		requestTxnID := ids.NewTxnID()
		updated, err := m.store.UpdateOutgoingRoomKeyRequest(req.RequestID, store.RequestStateSent, &store.RequestUpdates{
			State:             &state,
			CancellationTxnID: &cancellationTxnID,
			RequestTxnID:      &requestTxnID,
		})
		if err != nil {
			return fmt.Errorf("keyrequest: queueing request: %w", err)
		}
		if updated == nil {
			// raced with another process which already moved the
			// request out of sent; try again so the resend happens
			return m.QueueKeyRequest(body, recipients, resend)
		}
		// send the cancellation now rather than waiting for the drain
		// loop; the request itself, now unsent, goes out on the next
		// drain pass
		if err := m.sendCancellation(updated, true); err != nil {
			m.log.Errorf("error sending room key request cancellation, will retry later: %v", err)
			m.startTimer()
		}
		return nil
	default:
		return fmt.Errorf("keyrequest: unhandled state %d", req.State)
	}
}

// CancelKeyRequest cancels any request matching the given body.
func (m *Manager) CancelKeyRequest(body store.RequestBody) error {
	req, err := m.store.GetOutgoingRoomKeyRequest(body)
	if err != nil {
		return fmt.Errorf("keyrequest: cancelling request: %w", err)
	}
	if req == nil {
		// no request was made for this key
		return nil
	}
	switch req.State {
	case store.RequestStateCancellationPending, store.RequestStateCancellationPendingAndWillResend:
		// a cancellation is already on its way
		return nil
	case store.RequestStateUnsent:
		m.log.Debugf("deleting unnecessary room key request for %s/%s", body.RoomID, body.SessionID)
		if _, err := m.store.DeleteOutgoingRoomKeyRequest(req.RequestID, store.RequestStateUnsent); err != nil {
			return fmt.Errorf("keyrequest: cancelling request: %w", err)
		}
		return nil
	case store.RequestStateSent:
		state := store.RequestStateCancellationPending
		cancellationTxnID := ids.NewTxnID()
		updated, err := m.store.UpdateOutgoingRoomKeyRequest(req.RequestID, store.RequestStateSent, &store.RequestUpdates{
			State:             &state,
			CancellationTxnID: &cancellationTxnID,
		})
		if err != nil {
			return fmt.Errorf("keyrequest: cancelling request: %w", err)
		}
		if updated == nil {
			// raced with another process which already cancelled it;
			// no point sending a second cancellation
			m.log.Debugf("request for %s/%s already cancelled elsewhere", body.RoomID, body.SessionID)
			return nil
		}
		if err := m.sendCancellation(updated, false); err != nil {
			m.log.Errorf("error sending room key request cancellation, will retry later: %v", err)
			m.startTimer()
		}
		return nil
	default:
		return fmt.Errorf("keyrequest: unhandled state %d", req.State)
	}
}

// SentRequestsForDevice returns the sent requests addressed to the given
// device.
func (m *Manager) SentRequestsForDevice(userID, deviceID string) ([]*store.OutgoingRoomKeyRequest, error) {
	reqs, err := m.store.GetOutgoingRoomKeyRequestsByTarget(userID, deviceID, []store.RequestState{store.RequestStateSent})
	if err != nil {
		return nil, fmt.Errorf("keyrequest: listing sent requests: %w", err)
	}
	return reqs, nil
}

// CancelAndResendAllRequests kicks every sent request around the loop again.
// Intended for situations where something substantial changed, such as after
// self-verification, and the other end won't care about the cancellation.
func (m *Manager) CancelAndResendAllRequests() error {
	reqs, err := m.store.GetAllOutgoingRoomKeyRequestsByState(store.RequestStateSent)
	if err != nil {
		return fmt.Errorf("keyrequest: resending all requests: %w", err)
	}
	for _, req := range reqs {
		if err := m.QueueKeyRequest(req.RequestBody, req.Recipients, true); err != nil {
			return err
		}
	}
	m.SendQueuedRequests()
	return nil
}

func (m *Manager) startTimer() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.stopped {
		return
	}
	if m.timer != nil {
		// a drain pass is scheduled or running; note the trigger so a
		// request queued mid-drain waits one more delay, not forever
		m.retrigger = true
		return
	}
	m.timer = time.AfterFunc(m.delay, m.drain)
}

func (m *Manager) clearTimer() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.retrigger && !m.stopped {
		m.retrigger = false
		m.timer = time.AfterFunc(m.delay, m.drain)
		return
	}
	m.timer = nil
}

// drain sends pending requests one at a time until none are left or a send
// fails, in which case the next trigger retries.
func (m *Manager) drain() {
	for {
		m.lock.Lock()
		stopped := m.stopped
		m.lock.Unlock()
		if stopped {
			m.clearTimer()
			return
		}

		req, err := m.store.GetOutgoingRoomKeyRequestByState([]store.RequestState{
			store.RequestStateCancellationPending,
			store.RequestStateCancellationPendingAndWillResend,
			store.RequestStateUnsent,
		})
		if err != nil {
			m.log.Errorf("error looking up pending room key requests: %v", err)
			m.clearTimer()
			return
		}
		if req == nil {
			m.clearTimer()
			return
		}

		switch req.State {
		case store.RequestStateUnsent:
			err = m.sendRequest(req)
		case store.RequestStateCancellationPending:
			err = m.sendCancellation(req, false)
		case store.RequestStateCancellationPendingAndWillResend:
			err = m.sendCancellation(req, true)
		}
		if err != nil {
			m.log.Errorf("error sending room key request, will retry later: %v", err)
			m.clearTimer()
			return
		}
	}
}

func (m *Manager) sendRequest(req *store.OutgoingRoomKeyRequest) error {
	m.log.Debugf("requesting keys for %s/%s from %d recipients (id %s)", req.RequestBody.RoomID, req.RequestBody.SessionID, len(req.Recipients), req.RequestID)
	message := map[string]interface{}{
		"action":               "request",
		"requesting_device_id": m.deviceID,
		"request_id":           req.RequestID,
		"body":                 req.RequestBody,
	}
	txnID := req.RequestTxnID
	if txnID == "" {
		txnID = req.RequestID
	}
	if err := m.sendMessageToDevices(message, req.Recipients, txnID); err != nil {
		return err
	}
	sent := store.RequestStateSent
	_, err := m.store.UpdateOutgoingRoomKeyRequest(req.RequestID, store.RequestStateUnsent, &store.RequestUpdates{State: &sent})
	return err
}

// sendCancellation cancels the request and deletes its record, unless
// andResend is set, in which case it transitions back to unsent.
func (m *Manager) sendCancellation(req *store.OutgoingRoomKeyRequest, andResend bool) error {
	m.log.Debugf("sending cancellation for key request for %s/%s (cancellation id %s)", req.RequestBody.RoomID, req.RequestBody.SessionID, req.CancellationTxnID)
	message := map[string]interface{}{
		"action":               "request_cancellation",
		"requesting_device_id": m.deviceID,
		"request_id":           req.RequestID,
	}
	if err := m.sendMessageToDevices(message, req.Recipients, req.CancellationTxnID); err != nil {
		return err
	}
	if andResend {
		unsent := store.RequestStateUnsent
		_, err := m.store.UpdateOutgoingRoomKeyRequest(req.RequestID, store.RequestStateCancellationPendingAndWillResend, &store.RequestUpdates{State: &unsent})
		return err
	}
	_, err := m.store.DeleteOutgoingRoomKeyRequest(req.RequestID, store.RequestStateCancellationPending)
	return err
}

func (m *Manager) sendMessageToDevices(message map[string]interface{}, recipients []store.Recipient, txnID string) error {
	contentMap := make(map[string]map[string]map[string]interface{})
	for _, recipient := range recipients {
		userMap, ok := contentMap[recipient.UserID]
		if !ok {
			userMap = make(map[string]map[string]interface{})
			contentMap[recipient.UserID] = userMap
		}
		content := make(map[string]interface{}, len(message)+1)
		for k, v := range message {
			content[k] = v
		}
		content[toDeviceMessageID] = ids.NewTxnID()
		userMap[recipient.DeviceID] = content
	}
	return m.sender.SendToDevice(EventRoomKeyRequest, contentMap, txnID)
}
