package actor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/roomsync.go/internal/snapshot"
	"github.com/roomsync/roomsync.go/pkg/auth"
	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
	"github.com/roomsync/roomsync.go/pkg/planes"
	"github.com/roomsync/roomsync.go/pkg/presence"
	"github.com/roomsync/roomsync.go/pkg/protocol"
	"github.com/roomsync/roomsync.go/pkg/store/memstore"
)

type fakeSocket struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode uint16
	failWrite error
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSocket) Close(code uint16, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
}

// take returns and forgets every frame written so far.
func (s *fakeSocket) take(t *testing.T) []protocol.ServerMessage {
	t.Helper()
	s.mu.Lock()
	frames := s.frames
	s.frames = nil
	s.mu.Unlock()

	out := make([]protocol.ServerMessage, 0, len(frames))
	for _, f := range frames {
		msg, err := protocol.DecodeServer(f)
		require.NoError(t, err)
		out = append(out, *msg)
	}
	return out
}

func types(msgs []protocol.ServerMessage) []protocol.ServerType {
	out := make([]protocol.ServerType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

const (
	roomID   = "room-1"
	layoutID = "rl-1"
)

type fixture struct {
	actor *Actor
	store *memstore.Store
	logs  *bytes.Buffer
}

func newFixture(t *testing.T, tracker *presence.Tracker) *fixture {
	t.Helper()
	st := memstore.New()
	room := models.NewRoom(models.RoomInit{ID: roomID, DefaultLayoutID: layoutID}, constants.RoomStateVersion)
	blob, err := snapshot.Encode(models.Rooms{roomID: room})
	require.NoError(t, err)
	require.NoError(t, st.Save(context.Background(), "prop-1", blob))

	var buf bytes.Buffer
	logData, err := logger.NewBuild().FromBuffer(&buf).Level("debug").Make()
	require.NoError(t, err)

	a := New(Config{PropertyID: "prop-1", Store: st, Logger: logData, Presence: tracker})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return &fixture{actor: a, store: st, logs: &buf}
}

// sync waits until every frame queued before it was handled.
func (f *fixture) sync(t *testing.T) {
	t.Helper()
	_, err := f.actor.GetAllRooms(context.Background())
	require.NoError(t, err)
}

// attach returns a ready connection with its welcome frames consumed.
func (f *fixture) attach(t *testing.T, id auth.Identity) (string, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	connID, err := f.actor.Attach(context.Background(), id, sock)
	require.NoError(t, err)
	f.actor.Receive(connID, []byte(`{"type":"ping"}`))
	f.sync(t)
	sock.take(t)
	return connID, sock
}

func frame(t *testing.T, msg protocol.ClientMessage) []byte {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	return data
}

func addSofa(id string) ops.AddFurniture {
	return ops.AddFurniture{
		Meta:      ops.Meta{ID: id, RoomID: roomID},
		LayoutID:  layoutID,
		Furniture: models.FurniturePlacement{ID: "fp-1", FurnitureID: "sofa"},
	}
}

func TestColdStartSynthesizesDefaultRoom(t *testing.T) {
	st := memstore.New()
	a := New(Config{PropertyID: "empty", Store: st})
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	rooms, err := a.GetAllRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	for _, room := range rooms {
		assert.Len(t, room.Layouts, 1)
		assert.Equal(t, constants.RoomStateVersion, room.Version)
	}
	assert.Equal(t, 1, st.Saves())
}

func TestColdStartFailsOnBrokenSnapshot(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.Save(context.Background(), "p", []byte{0xff}))
	a := New(Config{PropertyID: "p", Store: st})
	err := a.Start(context.Background())
	assert.Equal(t, errs.InternalServerError, errs.CodeOf(err))
}

func TestWelcomeIsHeldUntilFirstMessage(t *testing.T) {
	f := newFixture(t, nil)
	sock := &fakeSocket{}
	connID, err := f.actor.Attach(context.Background(), auth.Identity{UserID: "u1"}, sock)
	require.NoError(t, err)

	state, err := f.actor.ConnState(context.Background(), connID)
	require.NoError(t, err)
	assert.Equal(t, ConnPending, state)
	assert.Empty(t, sock.take(t))

	f.actor.Receive(connID, []byte(`{"type":"ping"}`))
	f.sync(t)

	msgs := sock.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeRoomUpdate, msgs[0].Type)
	assert.Equal(t, roomID, msgs[0].Data.ID)
	assert.Empty(t, msgs[0].ResponseTo)

	state, err = f.actor.ConnState(context.Background(), connID)
	require.NoError(t, err)
	assert.Equal(t, ConnReady, state)
}

func TestPendingConnectionKeepsBroadcastOrder(t *testing.T) {
	f := newFixture(t, nil)
	sock := &fakeSocket{}
	connID, err := f.actor.Attach(context.Background(), auth.Identity{UserID: "u1"}, sock)
	require.NoError(t, err)

	_, err = f.actor.Apply(context.Background(), ops.Batch{addSofa("op-1")})
	require.NoError(t, err)
	assert.Empty(t, sock.take(t))

	f.actor.Receive(connID, []byte(`{"type":"ping","messageId":"hello"}`))
	f.sync(t)
	assert.Equal(t, []protocol.ServerType{
		protocol.TypeRoomUpdate,
		protocol.TypeSyncOperations,
		protocol.TypeRoomUpdate,
		protocol.TypeAck,
	}, types(sock.take(t)))
}

func TestApplyAcksAndBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	c1, s1 := f.attach(t, auth.Identity{UserID: "u1"})
	_, s2 := f.attach(t, auth.Identity{UserID: "u2"})
	saves := f.store.Saves()

	f.actor.Receive(c1, frame(t, protocol.ApplyOperations("m1", ops.Batch{addSofa("op-1")}, false)))
	f.sync(t)

	got := s1.take(t)
	require.Equal(t, []protocol.ServerType{protocol.TypeSyncOperations, protocol.TypeRoomUpdate, protocol.TypeAck}, types(got))
	assert.Equal(t, []string{"op-1"}, got[0].Operations.IDs())
	assert.Contains(t, got[1].Data.Layouts[layoutID].Furniture, "fp-1")
	assert.Equal(t, "m1", got[2].ResponseTo)

	assert.Equal(t, []protocol.ServerType{protocol.TypeSyncOperations, protocol.TypeRoomUpdate}, types(s2.take(t)))
	assert.Equal(t, saves+1, f.store.Saves())
}

func TestRejectedOperationWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	c1, s1 := f.attach(t, auth.Identity{UserID: "u1"})
	_, s2 := f.attach(t, auth.Identity{UserID: "u2"})
	saves := f.store.Saves()

	missing := ops.UpdateFurniture{Meta: ops.Meta{ID: "op-9", RoomID: roomID}, LayoutID: layoutID, ID: "ghost"}
	f.actor.Receive(c1, frame(t, protocol.ApplyOperations("m2", ops.Batch{missing}, false)))
	f.sync(t)

	got := s1.take(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeError, got[0].Type)
	assert.Equal(t, "m2", got[0].ResponseTo)
	assert.Equal(t, errs.NotFound, got[0].Code)
	assert.NotEqual(t, errs.UnknownMessage, got[0].Message)

	assert.Empty(t, s2.take(t))
	assert.Equal(t, saves, f.store.Saves())
}

func TestBatchStopsAtFirstRejection(t *testing.T) {
	f := newFixture(t, nil)
	c1, s1 := f.attach(t, auth.Identity{UserID: "u1"})

	batch := ops.Batch{
		addSofa("op-1"),
		ops.RemoveLight{Meta: ops.Meta{ID: "op-2", RoomID: roomID}, ID: "ghost"},
		ops.AddLight{Meta: ops.Meta{ID: "op-3", RoomID: roomID}, Light: models.LightPlacement{ID: "li-1"}},
	}
	f.actor.Receive(c1, frame(t, protocol.ApplyOperations("m3", batch, false)))
	f.sync(t)

	got := s1.take(t)
	require.Equal(t, []protocol.ServerType{protocol.TypeSyncOperations, protocol.TypeRoomUpdate, protocol.TypeError}, types(got))
	assert.Equal(t, []string{"op-1"}, got[0].Operations.IDs())
	assert.Equal(t, "m3", got[2].ResponseTo)

	room, err := f.actor.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Contains(t, room.Layouts[layoutID].Furniture, "fp-1")
	assert.Empty(t, room.Lights)
}

func TestServerFaultIsSanitizedAndLogged(t *testing.T) {
	f := newFixture(t, nil)
	c1, s1 := f.attach(t, auth.Identity{UserID: "u1"})
	f.store.FailSaves(errors.New("disk full at /var/lib/roomsync"))

	f.actor.Receive(c1, frame(t, protocol.ApplyOperations("m4", ops.Batch{addSofa("op-1")}, false)))
	f.sync(t)

	got := s1.take(t)
	require.Len(t, got, 1)
	assert.Equal(t, errs.InternalServerError, got[0].Code)
	assert.Equal(t, errs.UnknownMessage, got[0].Message)
	assert.Contains(t, f.logs.String(), "disk full")
	assert.Contains(t, f.logs.String(), `"message_id":"m4"`)

	room, err := f.actor.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Empty(t, room.Layouts[layoutID].Furniture)
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	c1, s1 := f.attach(t, auth.Identity{UserID: "u1"})
	create := ops.CreateLayout{Meta: ops.Meta{ID: "op-7", RoomID: roomID}, Layout: models.Layout{ID: "rl-2", Furniture: map[string]models.FurniturePlacement{}}}

	f.actor.Receive(c1, frame(t, protocol.ApplyOperations("m5", ops.Batch{create}, false)))
	f.sync(t)
	s1.take(t)
	saves := f.store.Saves()

	f.actor.Receive(c1, frame(t, protocol.ApplyOperations("m6", ops.Batch{create}, false)))
	f.sync(t)
	got := s1.take(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeAck, got[0].Type)
	assert.Equal(t, saves, f.store.Saves())
}

func TestRepeatedOpInBatchAppliedOnce(t *testing.T) {
	f := newFixture(t, nil)
	c1, s1 := f.attach(t, auth.Identity{UserID: "u1"})
	saves := f.store.Saves()

	f.actor.Receive(c1, frame(t, protocol.ApplyOperations("m10", ops.Batch{addSofa("op-1"), addSofa("op-1")}, false)))
	f.sync(t)

	got := s1.take(t)
	require.Equal(t, []protocol.ServerType{protocol.TypeSyncOperations, protocol.TypeRoomUpdate, protocol.TypeAck}, types(got))
	assert.Equal(t, []string{"op-1"}, got[0].Operations.IDs())
	assert.Equal(t, "m10", got[2].ResponseTo)
	assert.Equal(t, saves+1, f.store.Saves())
}

func TestRequestRoom(t *testing.T) {
	f := newFixture(t, nil)
	c1, s1 := f.attach(t, auth.Identity{UserID: "u1"})

	f.actor.Receive(c1, frame(t, protocol.RequestRoom("m7", roomID)))
	f.actor.Receive(c1, frame(t, protocol.RequestRoom("m8", "nope")))
	f.actor.Receive(c1, []byte(`{"type":"dance","messageId":"m9"}`))
	f.sync(t)

	got := s1.take(t)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.TypeRoomUpdate, got[0].Type)
	assert.Equal(t, "m7", got[0].ResponseTo)
	assert.Equal(t, errs.NotFound, got[1].Code)
	assert.Equal(t, "m8", got[1].ResponseTo)
	assert.Equal(t, errs.BadRequest, got[2].Code)
	assert.Equal(t, "m9", got[2].ResponseTo)
}

func TestRoomLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	_, s1 := f.attach(t, auth.Identity{UserID: "u1"})
	ctx := context.Background()

	room, err := f.actor.CreateRoom(ctx, models.RoomInit{ID: "room-2", LayoutName: "Living"})
	require.NoError(t, err)
	require.Len(t, room.Layouts, 1)

	_, err = f.actor.CreateRoom(ctx, models.RoomInit{ID: "room-2"})
	assert.Equal(t, errs.Conflict, errs.CodeOf(err))

	require.NoError(t, f.actor.DeleteRoom(ctx, "room-2"))
	assert.Equal(t, errs.NotFound, errs.CodeOf(f.actor.DeleteRoom(ctx, "room-2")))

	got := s1.take(t)
	require.Equal(t, []protocol.ServerType{protocol.TypeRoomUpdate, protocol.TypeRoomDeleted}, types(got))
	assert.Equal(t, "room-2", got[1].RoomID)

	_, err = f.actor.GetRoom(ctx, "room-2")
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestTypedOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	room, err := f.actor.CreateLayout(ctx, roomID, models.Layout{ID: "rl-2", Name: "Evening"})
	require.NoError(t, err)
	assert.Len(t, room.Layouts, 2)

	name := "Night"
	room, err = f.actor.UpdateLayout(ctx, roomID, "rl-2", &name, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Night", room.Layouts["rl-2"].Name)

	room, err = f.actor.AddFurniture(ctx, roomID, "rl-2", models.FurniturePlacement{ID: "fp-1", FurnitureID: "sofa"})
	require.NoError(t, err)
	pos := models.NewVec3(1, 0, 2)
	room, err = f.actor.UpdateFurniture(ctx, roomID, "rl-2", "fp-1", &pos, nil)
	require.NoError(t, err)
	assert.Equal(t, pos, room.Layouts["rl-2"].Furniture["fp-1"].Position)
	room, err = f.actor.RemoveFurniture(ctx, roomID, "rl-2", "fp-1")
	require.NoError(t, err)
	assert.Empty(t, room.Layouts["rl-2"].Furniture)

	room, err = f.actor.AddLight(ctx, roomID, models.LightPlacement{ID: "li-1"})
	require.NoError(t, err)
	room, err = f.actor.UpdateLight(ctx, roomID, "li-1", models.NewVec3(0, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, models.NewVec3(0, 2, 0), room.Lights["li-1"].Position)
	room, err = f.actor.RemoveLight(ctx, roomID, "li-1")
	require.NoError(t, err)
	assert.Empty(t, room.Lights)

	intensity := 0.4
	room, err = f.actor.UpdateGlobalLighting(ctx, roomID, nil, &intensity)
	require.NoError(t, err)
	assert.Equal(t, models.GlobalLighting{Color: "#ffffff", Intensity: 0.4}, room.GlobalLighting)

	room, err = f.actor.DeleteLayout(ctx, roomID, "rl-2")
	require.NoError(t, err)
	_, err = f.actor.DeleteLayout(ctx, roomID, layoutID)
	assert.Equal(t, errs.Conflict, errs.CodeOf(err))
	assert.Len(t, room.Layouts, 1)

	_, err = f.actor.RemoveLight(ctx, roomID, "ghost")
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestScanPlanesKeepsIdentity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	floor := planes.Scanned{Label: models.PlaneFloor, Orientation: models.IdentityQuat, Extents: models.Extents{4, 3}}

	first, err := f.actor.ScanPlanes(ctx, roomID, []planes.Scanned{floor})
	require.NoError(t, err)
	require.Len(t, first.Planes, 1)

	floor.Origin = models.NewVec3(0.02, 0, 0.01)
	second, err := f.actor.ScanPlanes(ctx, roomID, []planes.Scanned{floor})
	require.NoError(t, err)
	assert.Equal(t, first.Planes[0].ID, second.Planes[0].ID)

	room, err := f.actor.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, second.Planes, room.Planes)
	assert.NotNil(t, room.PlanesUpdatedAt)

	_, err = f.actor.ScanPlanes(ctx, "nope", nil)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestPresenceEvents(t *testing.T) {
	f := newFixture(t, presence.NewTracker())
	_, phone := f.attach(t, auth.Identity{UserID: "u1", DeviceID: "phone"})

	headset := &fakeSocket{}
	connID, err := f.actor.Attach(context.Background(), auth.Identity{UserID: "u2", DeviceID: "headset"}, headset)
	require.NoError(t, err)
	f.actor.Receive(connID, []byte(`{"type":"ping"}`))
	f.sync(t)

	got := phone.take(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeDeviceConnected, got[0].Type)
	assert.Equal(t, "headset", got[0].DeviceID)

	welcome := headset.take(t)
	assert.Equal(t, []protocol.ServerType{protocol.TypeRoomUpdate, protocol.TypeDeviceConnected}, types(welcome))
	assert.Equal(t, "phone", welcome[1].DeviceID)

	f.actor.Detach(connID)
	f.sync(t)
	got = phone.take(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeDeviceDisconnected, got[0].Type)
	assert.True(t, headset.closed)
}

func TestFailedWriteDetaches(t *testing.T) {
	f := newFixture(t, nil)
	connID, sock := f.attach(t, auth.Identity{UserID: "u1"})
	sock.mu.Lock()
	sock.failWrite = errors.New("broken pipe")
	sock.mu.Unlock()

	_, err := f.actor.Apply(context.Background(), ops.Batch{addSofa("op-1")})
	require.NoError(t, err)

	state, err := f.actor.ConnState(context.Background(), connID)
	require.NoError(t, err)
	assert.Equal(t, ConnClosed, state)
	assert.True(t, sock.closed)
}

func TestStopClosesConnections(t *testing.T) {
	f := newFixture(t, nil)
	_, sock := f.attach(t, auth.Identity{UserID: "u1"})

	f.actor.Stop()
	assert.True(t, sock.closed)
	assert.Equal(t, uint16(CloseGoingAway), sock.closeCode)

	_, err := f.actor.GetAllRooms(context.Background())
	assert.ErrorIs(t, err, constants.ErrActorStopped)
	assert.False(t, f.actor.Receive("x", nil))
}

func TestCallHonorsContext(t *testing.T) {
	f := newFixture(t, nil)
	block := make(chan struct{})
	f.actor.cast(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.actor.GetAllRooms(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnStateTransitions(t *testing.T) {
	assert.NoError(t, ConnPending.validateTransitionTo(ConnReady))
	assert.NoError(t, ConnPending.validateTransitionTo(ConnClosed))
	assert.NoError(t, ConnReady.validateTransitionTo(ConnClosed))
	assert.Error(t, ConnReady.validateTransitionTo(ConnPending))
	assert.Error(t, ConnClosed.validateTransitionTo(ConnReady))
	assert.Equal(t, "Pending", ConnPending.String())
}
