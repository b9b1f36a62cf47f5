package propagation

import (
	"errors"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

// MessageType names a frame on the propagation channel.
type MessageType string

const (
	MessageConnectionConfirmed MessageType = "CONNECTION_CONFIRMED"
	MessageFullSync            MessageType = "FULL_SYNC"
	MessageDataUpdate          MessageType = "DATA_UPDATE"
	MessageDataDelete          MessageType = "DATA_DELETE"
	MessageAck                 MessageType = "ACK"
	MessageCursorAck           MessageType = "CURSOR_ACK"
)

// CollectionRecords is the only collection carried by the channel.
const CollectionRecords = "records"

var (
	// ErrNotConnected indicates that no channel connection is currently live.
	ErrNotConnected = errors.New("propagation: not connected")
	// ErrConnectionClosed indicates that the connection dropped while a reply was pending.
	ErrConnectionClosed = errors.New("propagation: connection closed")
)

// Envelope is the JSON frame exchanged in both directions. Fields are populated per type:
//
//	CONNECTION_CONFIRMED  userId, deviceId, timestamp
//	FULL_SYNC             data, cursor
//	DATA_UPDATE/DELETE    collection, document, timestamp, fromDevice, messageId, cursor
//	ACK                   messageId, accepted, reason, document
//	CURSOR_ACK            cursor
type Envelope struct {
	Type       MessageType        `json:"type"`
	UserID     string             `json:"userId,omitempty"`
	DeviceID   string             `json:"deviceId,omitempty"`
	Collection string             `json:"collection,omitempty"`
	Document   *records.Snapshot  `json:"document,omitempty"`
	Data       []records.Snapshot `json:"data,omitempty"`
	Timestamp  int64              `json:"timestamp,omitempty"`
	FromDevice string             `json:"fromDevice,omitempty"`
	MessageID  string             `json:"messageId,omitempty"`
	Cursor     int64              `json:"cursor,omitempty"`
	Accepted   bool               `json:"accepted,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Identity addresses one connection.
type Identity struct {
	UserID   string
	DeviceID string
}

func changeMessageType(snapshot records.Snapshot) MessageType {
	if snapshot.IsDeleted {
		return MessageDataDelete
	}
	return MessageDataUpdate
}
