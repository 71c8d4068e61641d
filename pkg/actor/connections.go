package actor

import (
	"context"

	"github.com/roomsync/roomsync.go/pkg/auth"
	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/presence"
	"github.com/roomsync/roomsync.go/pkg/protocol"
)

// Attach registers socket as a new pending connection and queues the welcome
// messages: one roomUpdate per room and a deviceConnected per other online
// device. They are written once the client sends its first message.
func (a *Actor) Attach(ctx context.Context, id auth.Identity, socket Socket) (string, error) {
	return call(ctx, a, func() (string, error) {
		c := &conn{id: models.NewID(), identity: id, socket: socket, state: ConnPending}
		a.conns[c.id] = c
		attachedConns.Inc()

		for _, roomID := range a.rooms.IDs() {
			a.sendTo(c, protocol.RoomUpdate(a.rooms[roomID], ""))
		}

		if a.presence != nil {
			for _, d := range a.presence.Online(a.id) {
				a.sendTo(c, protocol.DeviceConnected(d.UserID, d.DeviceID))
			}
			if a.presence.Connect(a.id, device(id)) {
				a.broadcast(protocol.DeviceConnected(id.UserID, id.DeviceID), c.id)
			}
		}
		a.log.Debug("connection attached", "property", a.id, "conn", c.id, "user", id.UserID, "device", id.DeviceID)
		return c.id, nil
	})
}

// Detach removes a connection, typically after its transport closed.
func (a *Actor) Detach(connID string) {
	a.cast(func() {
		if c, ok := a.conns[connID]; ok {
			a.detach(c, constants.CloseMessageCode, "")
		}
	})
}

// Receive queues an inbound frame of connID. Frames of one connection are
// handled in the order Receive is called.
func (a *Actor) Receive(connID string, data []byte) bool {
	return a.cast(func() {
		c, ok := a.conns[connID]
		if !ok {
			return
		}
		a.handle(c, data)
	})
}

// ConnState reports the state of connID, ConnClosed if unknown.
func (a *Actor) ConnState(ctx context.Context, connID string) (ConnState, error) {
	return call(ctx, a, func() (ConnState, error) {
		if c, ok := a.conns[connID]; ok {
			return c.state, nil
		}
		return ConnClosed, nil
	})
}

func device(id auth.Identity) presence.Device {
	return presence.Device{UserID: id.UserID, DeviceID: id.DeviceID}
}

func (a *Actor) detach(c *conn, code uint16, reason string) {
	if _, ok := a.conns[c.id]; !ok {
		return
	}
	delete(a.conns, c.id)
	attachedConns.Dec()
	c.close(code, reason)

	if a.presence != nil && a.presence.Disconnect(a.id, device(c.identity)) {
		a.broadcast(protocol.DeviceDisconnected(c.identity.UserID, c.identity.DeviceID), "")
	}
	a.log.Debug("connection detached", "property", a.id, "conn", c.id)
}

// handle processes one inbound frame. The first frame of a pending
// connection, whatever it is, makes it ready and flushes its backlog.
func (a *Actor) handle(c *conn, data []byte) {
	if err := c.ready(); err != nil {
		a.log.Warn("flushing connection backlog failed", "property", a.id, "conn", c.id, "error", err)
		a.detach(c, constants.CloseMessageCode, "write failed")
		return
	}

	msg, err := protocol.DecodeClient(data)
	if err != nil {
		a.replyError(c, protocol.PeekMessageID(data), err)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		if msg.MessageID != "" {
			a.sendTo(c, protocol.Ack(msg.MessageID))
		}
	case protocol.TypeRequestRoom:
		room, ok := a.rooms[msg.RoomID]
		if !ok {
			a.replyError(c, msg.MessageID, errs.NotFoundf("room %q not found", msg.RoomID))
			return
		}
		a.sendTo(c, protocol.RoomUpdate(room, msg.MessageID))
	case protocol.TypeApplyOperations:
		if _, err := a.commit(msg.Operations); err != nil {
			a.replyError(c, msg.MessageID, err)
			return
		}
		a.sendTo(c, protocol.Ack(msg.MessageID))
	default:
		a.replyError(c, msg.MessageID, errs.Wrap(errs.BadRequest, constants.ErrUnknownMethod, string(msg.Type)))
	}
}

// replyError sends an error reply. 5xx errors are logged with their cause and
// reach the client only as errs.UnknownMessage.
func (a *Actor) replyError(c *conn, responseTo string, err error) {
	if errs.CodeOf(err).IsServerFault() {
		a.log.Error("request failed", "property", a.id, "conn", c.id, "message_id", responseTo, "error", err)
	} else {
		a.log.Debug("request rejected", "property", a.id, "conn", c.id, "message_id", responseTo, "error", err)
	}
	a.sendTo(c, protocol.Error(responseTo, err))
}
