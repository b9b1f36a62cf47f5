package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/syncer"
)

var (
	errMissingURL      = errors.New("relay url is required")
	errMissingDeviceID = errors.New("device identifier is required")
)

// InboundHandler consumes changes pushed by the relay.
type InboundHandler interface {
	HandleRemote(ctx context.Context, snapshot records.Snapshot, fromDevice string) (records.Decision, error)
	Connected()
}

// TokenSource returns the bearer token presented on a dial.
type TokenSource func(ctx context.Context) (string, error)

// ClientConfig describes how a device reaches the relay. TokenSource is consulted on
// every dial so a reconnect never presents an expired token.
type ClientConfig struct {
	URL          string
	TokenSource  TokenSource
	DeviceID     string
	Dialer       *websocket.Dialer
	Backoff      queue.BackoffPolicy
	WriteTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Client is the device side of the propagation channel. It implements syncer.Transport.
type Client struct {
	url          string
	tokens       TokenSource
	deviceID     string
	dialer       *websocket.Dialer
	backoff      queue.BackoffPolicy
	writeTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu      sync.Mutex
	current *clientConn

	pendingMu sync.Mutex
	pending   map[string]chan Envelope
}

type clientConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *clientConn) write(ctx context.Context, envelope Envelope, deadline time.Time) error {
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(envelope)
}

// NewClient constructs a channel client. Call Run to connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingURL
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errMissingDeviceID
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:          url,
		tokens:       cfg.TokenSource,
		deviceID:     strings.TrimSpace(cfg.DeviceID),
		dialer:       dialer,
		backoff:      cfg.Backoff,
		writeTimeout: writeTimeout,
		clock:        clock,
		logger:       logger,
		pending:      make(map[string]chan Envelope),
	}, nil
}

// IsConnected reports whether a connection is live.
func (c *Client) IsConnected() bool {
	return c.connection() != nil
}

// Transmit sends one change and waits for the relay's ACK until ctx expires.
func (c *Client) Transmit(ctx context.Context, change syncer.Change) (syncer.Acknowledgement, error) {
	conn := c.connection()
	if conn == nil {
		return syncer.Acknowledgement{}, &syncer.TransportError{Operation: "send", Err: ErrNotConnected}
	}

	reply := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[change.OperationID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, change.OperationID)
		c.pendingMu.Unlock()
	}()

	messageType := MessageDataUpdate
	if change.Type == queue.OperationDelete {
		messageType = MessageDataDelete
	}
	snapshot := change.Snapshot
	envelope := Envelope{
		Type:       messageType,
		Collection: CollectionRecords,
		Document:   &snapshot,
		Timestamp:  c.clock().UTC().UnixMilli(),
		FromDevice: c.deviceID,
		MessageID:  change.OperationID,
	}
	if err := conn.write(ctx, envelope, time.Now().Add(c.writeTimeout)); err != nil {
		conn.close()
		return syncer.Acknowledgement{}, &syncer.TransportError{Operation: "send", Err: err}
	}

	select {
	case <-ctx.Done():
		return syncer.Acknowledgement{}, &syncer.TransportError{Operation: "await_ack", Err: ctx.Err()}
	case <-conn.closed:
		return syncer.Acknowledgement{}, &syncer.TransportError{Operation: "await_ack", Err: ErrConnectionClosed}
	case ack := <-reply:
		return syncer.Acknowledgement{
			Accepted: ack.Accepted,
			Reason:   ack.Reason,
			Remote:   ack.Document,
		}, nil
	}
}

// Run keeps the channel connected until ctx is cancelled, reconnecting with backoff.
func (c *Client) Run(ctx context.Context, handler InboundHandler) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		connected, err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 1
		} else {
			failures++
		}
		delay := c.backoff.Delay(failures)
		c.logger.Warn("propagation channel unavailable",
			zap.String("device_id", c.deviceID),
			zap.Bool("was_connected", connected),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session dials once and reads until the connection drops.
func (c *Client) session(ctx context.Context, handler InboundHandler) (bool, error) {
	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return false, fmt.Errorf("relay token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	ws, response, err := c.dialer.DialContext(ctx, c.url, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return false, err
	}

	conn := &clientConn{ws: ws, closed: make(chan struct{})}
	c.mu.Lock()
	c.current = conn
	c.mu.Unlock()
	stop := context.AfterFunc(ctx, conn.close)
	defer func() {
		stop()
		c.mu.Lock()
		if c.current == conn {
			c.current = nil
		}
		c.mu.Unlock()
		conn.close()
	}()

	// Once a pushed change is held back the cursor stays put for the rest of the session.
	holdCursor := false
	advance := func(cursor int64) error {
		if holdCursor {
			return nil
		}
		return c.acknowledgeCursor(ctx, conn, cursor)
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		switch envelope.Type {
		case MessageConnectionConfirmed:
			c.logger.Info("propagation channel connected",
				zap.String("user_id", envelope.UserID),
				zap.String("device_id", envelope.DeviceID))
		case MessageFullSync:
			for _, snapshot := range envelope.Data {
				consumed, err := c.apply(ctx, handler, snapshot, snapshot.LastWriterDevice)
				if err != nil {
					return true, err
				}
				holdCursor = holdCursor || !consumed
			}
			if err := advance(envelope.Cursor); err != nil {
				return true, err
			}
			handler.Connected()
		case MessageDataUpdate, MessageDataDelete:
			if envelope.Document == nil {
				continue
			}
			consumed, err := c.apply(ctx, handler, *envelope.Document, envelope.FromDevice)
			if err != nil {
				return true, err
			}
			holdCursor = holdCursor || !consumed
			if err := advance(envelope.Cursor); err != nil {
				return true, err
			}
		case MessageAck:
			c.deliver(envelope)
		default:
			c.logger.Warn("ignoring unexpected frame", zap.String("type", string(envelope.Type)))
		}
	}
}

// apply hands a pushed snapshot to the handler and reports whether the change is consumed.
// A snapshot that can never apply is logged and consumed. A change blocked by a corrupt
// local copy is skipped but not consumed, so the cursor must not pass it. Any other
// failure drops the connection so the change is fetched again.
func (c *Client) apply(ctx context.Context, handler InboundHandler, snapshot records.Snapshot, fromDevice string) (bool, error) {
	decision, err := handler.HandleRemote(ctx, snapshot, fromDevice)
	switch {
	case err == nil:
		c.logger.Debug("applied pushed change",
			zap.String("record_id", snapshot.RecordID),
			zap.Int64("version", snapshot.Version),
			zap.String("decision", string(decision)))
		return true, nil
	case errors.Is(err, records.ErrCorruptRecord):
		c.logger.Warn("holding pushed change behind corrupt local record",
			zap.String("record_id", snapshot.RecordID),
			zap.Int64("version", snapshot.Version),
			zap.String("from_device", fromDevice),
			zap.Error(err))
		return false, nil
	case isRejection(err) || errors.Is(err, records.ErrIntegrity):
		c.logger.Warn("skipping pushed change",
			zap.String("record_id", snapshot.RecordID),
			zap.Int64("version", snapshot.Version),
			zap.String("from_device", fromDevice),
			zap.Error(err))
		return true, nil
	default:
		return false, err
	}
}

func (c *Client) acknowledgeCursor(ctx context.Context, conn *clientConn, cursor int64) error {
	if cursor <= 0 {
		return nil
	}
	return conn.write(ctx, Envelope{Type: MessageCursorAck, Cursor: cursor}, time.Now().Add(c.writeTimeout))
}

func (c *Client) deliver(envelope Envelope) {
	c.pendingMu.Lock()
	reply, ok := c.pending[envelope.MessageID]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("ack without waiter", zap.String("message_id", envelope.MessageID))
		return
	}
	select {
	case reply <- envelope:
	default:
	}
}

func (c *Client) connection() *clientConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
