// Package protocol defines the JSON messages exchanged over a sync connection.
//
// Client → server: ping, requestRoom, applyOperations.
// Server → client: roomUpdate, roomDeleted, syncOperations, ack, error,
// deviceConnected, deviceDisconnected.
//
// A client request carries a messageId; the reply to it carries the same
// value in responseTo. Broadcasts have no responseTo.
package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/roomsync/roomsync.go/internal/codec"
	"github.com/roomsync/roomsync.go/internal/rand"
	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
)

// wire is the frame encoding of every message.
var wire codec.Codec = codec.JSON{}

type ClientType string

const (
	TypePing            ClientType = "ping"
	TypeRequestRoom     ClientType = "requestRoom"
	TypeApplyOperations ClientType = "applyOperations"
)

type ServerType string

const (
	TypeRoomUpdate         ServerType = "roomUpdate"
	TypeRoomDeleted        ServerType = "roomDeleted"
	TypeSyncOperations     ServerType = "syncOperations"
	TypeAck                ServerType = "ack"
	TypeError              ServerType = "error"
	TypeDeviceConnected    ServerType = "deviceConnected"
	TypeDeviceDisconnected ServerType = "deviceDisconnected"
)

type ClientMessage struct {
	Type       ClientType `json:"type" validate:"required,oneof=ping requestRoom applyOperations"`
	MessageID  string     `json:"messageId,omitempty" validate:"required_unless=Type ping"`
	RoomID     string     `json:"roomId,omitempty" validate:"required_if=Type requestRoom"`
	Operations ops.Batch  `json:"operations,omitempty" validate:"required_if=Type applyOperations"`
	// Personal marks ephemeral operations (cursor, selection) that the client
	// does not keep in its offline backlog.
	Personal bool `json:"personal,omitempty"`
}

type ServerMessage struct {
	Type       ServerType   `json:"type"`
	ResponseTo string       `json:"responseTo,omitempty"`
	Data       *models.Room `json:"data,omitempty"`
	RoomID     string       `json:"roomId,omitempty"`
	Operations ops.Batch    `json:"operations,omitempty"`
	Code       errs.Code    `json:"code,omitempty"`
	Message    string       `json:"message,omitempty"`
	UserID     string       `json:"userId,omitempty"`
	DeviceID   string       `json:"deviceId,omitempty"`
}

// Err converts an error reply into an *errs.Error. It returns nil for other messages.
func (m *ServerMessage) Err() error {
	if m == nil || m.Type != TypeError {
		return nil
	}
	return errs.New(m.Code, m.Message)
}

// NewMessageID returns a fresh request id.
func NewMessageID() string {
	return rand.NewMessageID(constants.RequestIDLength)
}

func Ping() ClientMessage {
	return ClientMessage{Type: TypePing}
}

func RequestRoom(messageID, roomID string) ClientMessage {
	return ClientMessage{Type: TypeRequestRoom, MessageID: messageID, RoomID: roomID}
}

func ApplyOperations(messageID string, batch ops.Batch, personal bool) ClientMessage {
	return ClientMessage{Type: TypeApplyOperations, MessageID: messageID, Operations: batch, Personal: personal}
}

func RoomUpdate(room models.Room, responseTo string) ServerMessage {
	return ServerMessage{Type: TypeRoomUpdate, Data: &room, ResponseTo: responseTo}
}

func RoomDeleted(roomID string) ServerMessage {
	return ServerMessage{Type: TypeRoomDeleted, RoomID: roomID}
}

func SyncOperations(batch ops.Batch) ServerMessage {
	return ServerMessage{Type: TypeSyncOperations, Operations: batch}
}

func Ack(responseTo string) ServerMessage {
	return ServerMessage{Type: TypeAck, ResponseTo: responseTo}
}

// Error builds an error reply. Messages of 5xx errors are replaced with
// errs.UnknownMessage.
func Error(responseTo string, err error) ServerMessage {
	code, msg := errs.Public(err)
	return ServerMessage{Type: TypeError, ResponseTo: responseTo, Code: code, Message: msg}
}

func DeviceConnected(userID, deviceID string) ServerMessage {
	return ServerMessage{Type: TypeDeviceConnected, UserID: userID, DeviceID: deviceID}
}

func DeviceDisconnected(userID, deviceID string) ServerMessage {
	return ServerMessage{Type: TypeDeviceDisconnected, UserID: userID, DeviceID: deviceID}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the envelope and every operation it carries.
func (m *ClientMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return errs.Wrap(errs.BadRequest, err, "invalid message")
	}
	for i, op := range m.Operations {
		if op == nil {
			return errs.BadRequestf("operation %d is null", i)
		}
		if err := validate.Struct(op); err != nil {
			return errs.Wrap(errs.BadRequest, err, fmt.Sprintf("invalid operation %d (%s)", i, op.Kind()))
		}
	}
	return nil
}

// DecodeClient parses and validates an inbound frame.
func DecodeClient(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := wire.Unmarshal(data, &msg); err != nil {
		if errs.CodeOf(err) == errs.BadRequest {
			return nil, err
		}
		return nil, errs.Wrap(errs.BadRequest, err, "malformed message")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PeekMessageID extracts messageId from a frame that failed to decode, so
// the error reply can still be correlated.
func PeekMessageID(data []byte) string {
	var head struct {
		MessageID string `json:"messageId"`
	}
	_ = wire.Unmarshal(data, &head)
	return head.MessageID
}

func DecodeServer(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := wire.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	return &msg, nil
}

func Encode(v any) ([]byte, error) {
	return wire.Marshal(v)
}
