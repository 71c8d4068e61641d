package protocol_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
	"github.com/roomsync/roomsync.go/pkg/protocol"
)

func TestDecodeClient(t *testing.T) {
	msg, err := protocol.DecodeClient([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, msg.Type)

	msg, err = protocol.DecodeClient([]byte(`{"type":"requestRoom","messageId":"m1","roomId":"room-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "room-1", msg.RoomID)

	msg, err = protocol.DecodeClient([]byte(`{"type":"applyOperations","messageId":"m2","operations":[
		{"type":"removeLight","opId":"op-1","roomId":"room-1","id":"li-1"}
	]}`))
	require.NoError(t, err)
	require.Len(t, msg.Operations, 1)
	assert.Equal(t, ops.RemoveLight{Meta: ops.Meta{ID: "op-1", RoomID: "room-1"}, ID: "li-1"}, msg.Operations[0])
}

func TestDecodeClientRejects(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"type":`,
		"unknown type":       `{"type":"dance","messageId":"m1"}`,
		"missing message id": `{"type":"requestRoom","roomId":"room-1"}`,
		"missing room id":    `{"type":"requestRoom","messageId":"m1"}`,
		"missing operations": `{"type":"applyOperations","messageId":"m1"}`,
		"unknown operation":  `{"type":"applyOperations","messageId":"m1","operations":[{"type":"x"}]}`,
		"operation without id": `{"type":"applyOperations","messageId":"m1","operations":[
			{"type":"removeLight","roomId":"room-1","id":"li-1"}]}`,
		"furniture without catalog id": `{"type":"applyOperations","messageId":"m1","operations":[
			{"type":"addFurniture","opId":"o","roomId":"room-1","layoutId":"rl-1","furniture":{"id":"fp-1"}}]}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := protocol.DecodeClient([]byte(frame))
			require.Error(t, err)
			assert.Equal(t, errs.BadRequest, errs.CodeOf(err))
		})
	}
}

func TestPeekMessageID(t *testing.T) {
	assert.Equal(t, "m9", protocol.PeekMessageID([]byte(`{"type":"dance","messageId":"m9"}`)))
	assert.Empty(t, protocol.PeekMessageID([]byte(`garbage`)))
}

func TestErrorReplySanitizesServerFaults(t *testing.T) {
	msg := protocol.Error("m1", errors.New("disk on fire"))
	assert.Equal(t, errs.InternalServerError, msg.Code)
	assert.Equal(t, errs.UnknownMessage, msg.Message)
	assert.Equal(t, "m1", msg.ResponseTo)

	msg = protocol.Error("m2", errs.NotFoundf("layout %s not found", "rl-9"))
	assert.Equal(t, errs.NotFound, msg.Code)
	assert.Equal(t, "layout rl-9 not found", msg.Message)

	err := msg.Err()
	assert.True(t, errs.Has(err, errs.NotFound))
	assert.Nil(t, protocol.Ack("m3").Err())
}

func TestServerMessageRoundTrip(t *testing.T) {
	room := models.NewRoom(models.RoomInit{ID: "room-1", DefaultLayoutID: "rl-1"}, 0)
	data, err := protocol.Encode(protocol.RoomUpdate(room, "m1"))
	require.NoError(t, err)

	msg, err := protocol.DecodeServer(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRoomUpdate, msg.Type)
	assert.Equal(t, "m1", msg.ResponseTo)
	require.NotNil(t, msg.Data)
	assert.Equal(t, room, *msg.Data)

	batch := ops.Batch{ops.RemoveLight{Meta: ops.Meta{ID: "op-1", RoomID: "room-1"}, ID: "li-1"}}
	data, err = protocol.Encode(protocol.SyncOperations(batch))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "responseTo")

	msg, err = protocol.DecodeServer(data)
	require.NoError(t, err)
	assert.Equal(t, batch, msg.Operations)
}
