package server

import (
	"bytes"

	"github.com/lxzan/gws"

	"github.com/roomsync/roomsync.go/pkg/actor"
	"github.com/roomsync/roomsync.go/pkg/logger"
)

// CloseInternalError is sent when a connection cannot be attached.
const CloseInternalError = 1011

const sessionKey = "roomsync.session"

type session struct {
	actor   *actor.Actor
	connID  string
	release func()
}

// wsSocket adapts a gws connection to actor.Socket. Writes go through the
// gws write queue so the actor never waits on a slow client; ordering is kept.
type wsSocket struct {
	conn *gws.Conn
	log  logger.Logger
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.conn.WriteAsync(gws.OpcodeText, data, func(err error) {
		if err != nil {
			s.log.Debug("websocket write failed", "error", err)
			_ = s.conn.NetConn().Close()
		}
	})
	return nil
}

func (s *wsSocket) Close(code uint16, reason string) {
	s.conn.WriteClose(code, []byte(reason))
}

type handler struct {
	log logger.Logger
}

var _ gws.Event = (*handler)(nil)

func sessionOf(socket *gws.Conn) (*session, bool) {
	v, ok := socket.Session().Load(sessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*session)
	return sess, ok
}

func (h *handler) OnOpen(*gws.Conn) {}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	sess, ok := sessionOf(socket)
	if !ok {
		return
	}
	socket.Session().Delete(sessionKey)
	h.log.Debug("websocket closed", "conn", sess.connID, "error", err)
	sess.actor.Detach(sess.connID)
	sess.release()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.log.Debug("write pong failed", "error", err)
	}
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	sess, ok := sessionOf(socket)
	if !ok {
		return
	}
	// the message buffer is pooled and reused after Close
	if !sess.actor.Receive(sess.connID, bytes.Clone(message.Bytes())) {
		socket.WriteClose(actor.CloseGoingAway, nil)
	}
}
