package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/devices"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/syncer"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
)

var (
	errMissingStore   = errors.New("relay record store is required")
	errMissingDevices = errors.New("device registry is required")
)

// HubConfig describes the dependencies of the relay hub.
type HubConfig struct {
	Store        *records.Store
	Devices      *devices.Registry
	Clock        func() time.Time
	IDProvider   records.IDProvider
	WriteTimeout time.Duration
	SendBuffer   int
	Logger       *zap.Logger
}

// Hub is the relay side of the propagation channel. It keeps one session per user device,
// applies inbound changes to the relay store and fans accepted changes out to the user's
// other devices.
type Hub struct {
	store        *records.Store
	devices      *devices.Registry
	clock        func() time.Time
	ids          records.IDProvider
	writeTimeout time.Duration
	sendBuffer   int
	logger       *zap.Logger
	upgrader     websocket.Upgrader

	mu        sync.RWMutex
	sessions  map[string]map[string]*session
	userLocks map[string]*sync.Mutex
}

type session struct {
	identity  Identity
	conn      *websocket.Conn
	send      chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// enqueue hands a frame to the session writer. A session that cannot keep up is closed
// so the device reconnects and catches up through FULL_SYNC from its acknowledged cursor.
func (s *session) enqueue(envelope Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- envelope:
		return true
	case <-s.done:
		return false
	default:
		s.close()
		return false
	}
}

// NewHub constructs the relay hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Devices == nil {
		return nil, errMissingDevices
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = records.NewUUIDProvider()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:        cfg.Store,
		devices:      cfg.Devices,
		clock:        clock,
		ids:          ids,
		writeTimeout: writeTimeout,
		sendBuffer:   sendBuffer,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions:  make(map[string]map[string]*session),
		userLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Serve upgrades the request and runs the device session until the connection drops. The
// identity must already be authenticated.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, identity Identity) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	current := &session{
		identity: identity,
		conn:     conn,
		send:     make(chan Envelope, h.sendBuffer),
		done:     make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go h.writeLoop(current)
	defer h.unregister(current)
	if err := h.open(ctx, current); err != nil {
		h.logError("propagation.open", "open_failed", err, identity)
		return err
	}
	h.logger.Info("device connected",
		zap.String("user_id", identity.UserID),
		zap.String("device_id", identity.DeviceID))
	h.readLoop(ctx, current)
	h.logger.Info("device disconnected",
		zap.String("user_id", identity.UserID),
		zap.String("device_id", identity.DeviceID))
	return nil
}

// Connected lists the device ids of the user with a live session.
func (h *Hub) Connected(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions[userID]))
	for deviceID := range h.sessions[userID] {
		ids = append(ids, deviceID)
	}
	return ids
}

// SessionCount returns the number of live sessions across all users.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, byDevice := range h.sessions {
		total += len(byDevice)
	}
	return total
}

// Close drops every live session.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*session, 0)
	for _, byDevice := range h.sessions {
		for _, current := range byDevice {
			all = append(all, current)
		}
	}
	h.mu.Unlock()
	for _, current := range all {
		current.close()
	}
}

// open registers the session and queues CONNECTION_CONFIRMED and FULL_SYNC. It holds the
// user lock so no fan-out can interleave between the snapshot and registration.
func (h *Hub) open(ctx context.Context, current *session) error {
	unlock := h.lockUser(current.identity.UserID)
	defer unlock()

	if _, err := h.devices.Touch(ctx, current.identity.UserID, current.identity.DeviceID); err != nil {
		return err
	}
	h.register(current)

	owner := records.UserID(current.identity.UserID)
	head, err := h.store.Cursor(ctx, owner)
	if err != nil {
		return err
	}
	acknowledged, err := h.devices.Cursor(ctx, current.identity.UserID, current.identity.DeviceID)
	if err != nil {
		return err
	}
	changed, err := h.store.ChangedSince(ctx, owner, acknowledged)
	if err != nil {
		return err
	}
	data := make([]records.Snapshot, 0, len(changed))
	for _, record := range changed {
		snapshot, err := record.Snapshot()
		if err != nil {
			return err
		}
		data = append(data, snapshot)
	}

	current.enqueue(Envelope{
		Type:      MessageConnectionConfirmed,
		UserID:    current.identity.UserID,
		DeviceID:  current.identity.DeviceID,
		Timestamp: h.clock().UTC().UnixMilli(),
	})
	current.enqueue(Envelope{
		Type:   MessageFullSync,
		Data:   data,
		Cursor: head,
	})
	return nil
}

func (h *Hub) readLoop(ctx context.Context, current *session) {
	for {
		_, data, err := current.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("session read failed",
					zap.String("device_id", current.identity.DeviceID),
					zap.Error(err))
			}
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			h.logger.Warn("discarding malformed frame",
				zap.String("device_id", current.identity.DeviceID),
				zap.Error(err))
			continue
		}
		switch envelope.Type {
		case MessageDataUpdate, MessageDataDelete:
			h.handleChange(ctx, current, envelope)
		case MessageCursorAck:
			if err := h.devices.AcknowledgeCursor(ctx, current.identity.UserID, current.identity.DeviceID, envelope.Cursor); err != nil {
				h.logError("propagation.cursor_ack", "acknowledge_failed", err, current.identity)
			}
		default:
			h.logger.Warn("ignoring unexpected frame",
				zap.String("device_id", current.identity.DeviceID),
				zap.String("type", string(envelope.Type)))
		}
	}
}

func (h *Hub) writeLoop(current *session) {
	for {
		select {
		case <-current.done:
			return
		case envelope := <-current.send:
			_ = current.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := current.conn.WriteJSON(envelope); err != nil {
				h.logger.Debug("session write failed",
					zap.String("device_id", current.identity.DeviceID),
					zap.Error(err))
				current.close()
				return
			}
		}
	}
}

// handleChange applies one inbound change and replies with ACK. Storage failures get no
// reply; the device times out and retries.
func (h *Hub) handleChange(ctx context.Context, current *session, envelope Envelope) {
	ack := Envelope{Type: MessageAck, MessageID: envelope.MessageID}
	if envelope.Document == nil || (envelope.Collection != "" && envelope.Collection != CollectionRecords) {
		ack.Reason = syncer.ReasonInvalid
		current.enqueue(ack)
		return
	}
	snapshot := *envelope.Document
	if snapshot.OwnerID != current.identity.UserID {
		h.logger.Warn("rejecting change for another owner",
			zap.String("user_id", current.identity.UserID),
			zap.String("device_id", current.identity.DeviceID),
			zap.String("record_id", snapshot.RecordID))
		ack.Reason = syncer.ReasonInvalid
		current.enqueue(ack)
		return
	}

	unlock := h.lockUser(current.identity.UserID)
	defer unlock()

	outcome, err := h.store.ApplyRemote(ctx, snapshot, records.ApplyOptions{
		Mode:       records.ApplyAsRelay,
		FromDevice: current.identity.DeviceID,
	})
	switch {
	case errors.Is(err, records.ErrIntegrity):
		ack.Reason = syncer.ReasonIntegrity
		current.enqueue(ack)
		return
	case isRejection(err):
		ack.Reason = syncer.ReasonInvalid
		current.enqueue(ack)
		return
	case err != nil:
		h.logError("propagation.apply", "apply_failed", err, current.identity, zap.String("record_id", snapshot.RecordID))
		return
	}

	head, err := outcome.Local.Snapshot()
	if err != nil {
		h.logError("propagation.apply", "snapshot_failed", err, current.identity, zap.String("record_id", snapshot.RecordID))
		return
	}
	if outcome.Decision == records.DecisionConflict {
		ack.Reason = syncer.ReasonConflict
		ack.Document = &head
		current.enqueue(ack)
		return
	}
	ack.Accepted = true
	current.enqueue(ack)

	if outcome.Decision == records.DecisionCreated || outcome.Decision == records.DecisionFastForward {
		messageID, err := h.ids.NewID()
		if err != nil {
			h.logError("propagation.fan_out", "id_failed", err, current.identity)
			messageID = fmt.Sprintf("%s-%d", head.RecordID, head.Version)
		}
		h.broadcast(current.identity, Envelope{
			Type:       changeMessageType(head),
			Collection: CollectionRecords,
			Document:   &head,
			Timestamp:  h.clock().UTC().UnixMilli(),
			FromDevice: current.identity.DeviceID,
			MessageID:  messageID,
			Cursor:     outcome.Local.LastChangeSeq,
		})
	}
}

// broadcast pushes the frame to every session of the user except the origin.
func (h *Hub) broadcast(origin Identity, envelope Envelope) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[origin.UserID]))
	for deviceID, target := range h.sessions[origin.UserID] {
		if deviceID != origin.DeviceID {
			targets = append(targets, target)
		}
	}
	h.mu.RUnlock()
	for _, target := range targets {
		if !target.enqueue(envelope) {
			h.logger.Warn("dropping slow session",
				zap.String("user_id", origin.UserID),
				zap.String("device_id", target.identity.DeviceID))
		}
	}
}

// register replaces any previous session of the same device.
func (h *Hub) register(current *session) {
	h.mu.Lock()
	byDevice, ok := h.sessions[current.identity.UserID]
	if !ok {
		byDevice = make(map[string]*session)
		h.sessions[current.identity.UserID] = byDevice
	}
	previous := byDevice[current.identity.DeviceID]
	byDevice[current.identity.DeviceID] = current
	h.mu.Unlock()
	if previous != nil {
		previous.close()
	}
}

func (h *Hub) unregister(current *session) {
	h.mu.Lock()
	byDevice := h.sessions[current.identity.UserID]
	if byDevice != nil && byDevice[current.identity.DeviceID] == current {
		delete(byDevice, current.identity.DeviceID)
		if len(byDevice) == 0 {
			delete(h.sessions, current.identity.UserID)
		}
	}
	h.mu.Unlock()
	current.close()
}

func (h *Hub) lockUser(userID string) func() {
	h.mu.Lock()
	lock, ok := h.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		h.userLocks[userID] = lock
	}
	h.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (h *Hub) logError(operation, reason string, err error, identity Identity, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", identity.UserID),
		zap.String("device_id", identity.DeviceID),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	h.logger.Error("propagation hub failure", attrs...)
}

func isRejection(err error) bool {
	return errors.Is(err, records.ErrInvalidSnapshot) ||
		errors.Is(err, records.ErrInvalidPayload) ||
		errors.Is(err, records.ErrInvalidState) ||
		errors.Is(err, records.ErrInvalidRecordID) ||
		errors.Is(err, records.ErrInvalidUserID)
}
