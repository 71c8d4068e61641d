// Package fakesync provides a fake sync server for client tests.
//
// It speaks the roomsync wire protocol over WebSocket (gws), keeps rooms in
// memory and applies operation batches like a property actor would, but
// lets tests inject failures: dropped or delayed replies, rejected batches,
// close frames and dropped TCP connections.
//
// Every token and every path is accepted.
package fakesync

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/lxzan/gws"

	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
	"github.com/roomsync/roomsync.go/pkg/protocol"
)

// FailureType is the kind of failure injected for a matching message.
type FailureType string

const (
	FailureNone FailureType = "none"
	// FailureDropReply applies the message but never replies.
	FailureDropReply FailureType = "drop_reply"
	// FailureDelayReply applies the message and replies after Delay.
	FailureDelayReply FailureType = "delay_reply"
	// FailureReject replies with an error of Code/Message without applying.
	FailureReject FailureType = "reject"
	// FailureWebSocketClose sends a close frame with CloseCode instead of handling the message.
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection closes the TCP connection instead of handling the message.
	FailureDropConnection FailureType = "drop_connection"
)

type FailureConfig struct {
	Type FailureType
	// Match limits the failure to one message type. Empty matches every type except ping.
	Match protocol.ClientType
	// Times is how many matching messages fail. 0 means all of them.
	Times int

	Delay       time.Duration
	CloseCode   uint16
	CloseReason string
	Code        errs.Code
	Message     string
}

type failure struct {
	FailureConfig
	used int
}

func (f *failure) matches(t protocol.ClientType) bool {
	if f.Times > 0 && f.used >= f.Times {
		return false
	}
	if f.Match == "" {
		return t != protocol.TypePing
	}
	return f.Match == t
}

type client struct {
	welcomed bool
}

type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server
	log      logger.Logger

	mu       sync.Mutex
	rooms    models.Rooms
	seen     map[string]bool
	conns    map[*gws.Conn]*client
	failures []*failure
	received []protocol.ClientMessage
	accepted int
}

type handler struct {
	server *Server
}

// NewServer creates a fake server. Use "127.0.0.1:0" for a random port.
func NewServer(addr string, log logger.Logger) *Server {
	s := &Server{
		addr:  addr,
		log:   logger.OrNop(log),
		rooms: models.Rooms{},
		seen:  make(map[string]bool),
		conns: make(map[*gws.Conn]*client),
	}
	s.server = gws.NewServer(&handler{server: s}, &gws.ServerOption{})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) {
			s.log.Debug("fakesync server error", "error", err)
		}
	}
	return s
}

// SeedRoom adds or replaces a room.
func (s *Server) SeedRoom(room models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = s.rooms.With(room)
}

func (s *Server) Rooms() models.Rooms {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms
}

// SetFailures replaces the failure configuration. Failures are checked in order.
func (s *Server) SetFailures(failures ...FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = s.failures[:0]
	for _, f := range failures {
		s.failures = append(s.failures, &failure{FailureConfig: f})
	}
}

// Received returns every decoded client message in arrival order.
func (s *Server) Received() []protocol.ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ClientMessage, len(s.received))
	copy(out, s.received)
	return out
}

// Batches returns the applyOperations messages in arrival order.
func (s *Server) Batches() []protocol.ClientMessage {
	var out []protocol.ClientMessage
	for _, msg := range s.Received() {
		if msg.Type == protocol.TypeApplyOperations {
			out = append(out, msg)
		}
	}
	return out
}

// Accepted counts upgraded connections since start.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("fakesync listener stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and drops every connection.
func (s *Server) Stop() error {
	s.Disconnect(0)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL is the base URL clients dial.
func (s *Server) URL() string {
	return constants.HTTPScheme + "://" + s.Address()
}

// Disconnect ends every connection: with a close frame carrying code, or
// by closing the TCP connection when code is 0.
func (s *Server) Disconnect(code uint16) {
	s.mu.Lock()
	conns := make([]*gws.Conn, 0, len(s.conns))
	for socket := range s.conns {
		conns = append(conns, socket)
	}
	s.mu.Unlock()

	for _, socket := range conns {
		if code == 0 {
			_ = socket.NetConn().Close()
			continue
		}
		socket.WriteClose(code, []byte("fakesync disconnect"))
	}
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.conns[socket] = &client{}
	h.server.accepted++
	h.server.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	delete(h.server.conns, socket)
	h.server.mu.Unlock()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	s := h.server

	msg, err := protocol.DecodeClient(message.Bytes())
	if err != nil {
		h.send(socket, protocol.Error(protocol.PeekMessageID(message.Bytes()), err))
		return
	}

	s.mu.Lock()
	s.received = append(s.received, *msg)
	c := s.conns[socket]
	welcome := c != nil && !c.welcomed
	if welcome {
		c.welcomed = true
	}
	rooms := s.rooms
	f := s.pickFailure(msg.Type)
	s.mu.Unlock()

	if welcome {
		for _, id := range rooms.IDs() {
			h.send(socket, protocol.RoomUpdate(rooms[id], ""))
		}
	}

	switch f.Type {
	case FailureWebSocketClose:
		code := f.CloseCode
		if code == 0 {
			code = 1001
		}
		socket.WriteClose(code, []byte(f.CloseReason))
		return
	case FailureDropConnection:
		_ = socket.NetConn().Close()
		return
	case FailureReject:
		code := f.Code
		if code == 0 {
			code = errs.Conflict
		}
		h.send(socket, protocol.Error(msg.MessageID, errs.New(code, f.Message)))
		return
	}

	reply, ok := h.handle(msg)
	if !ok {
		return
	}
	switch f.Type {
	case FailureDropReply:
	case FailureDelayReply:
		go func() {
			time.Sleep(f.Delay)
			h.send(socket, reply)
		}()
	default:
		h.send(socket, reply)
	}
}

// pickFailure must be called with mu held.
func (s *Server) pickFailure(t protocol.ClientType) FailureConfig {
	for _, f := range s.failures {
		if f.matches(t) {
			f.used++
			return f.FailureConfig
		}
	}
	return FailureConfig{Type: FailureNone}
}

// handle applies msg and returns the reply, if any.
func (h *handler) handle(msg *protocol.ClientMessage) (protocol.ServerMessage, bool) {
	s := h.server
	switch msg.Type {
	case protocol.TypePing:
		if msg.MessageID == "" {
			return protocol.ServerMessage{}, false
		}
		return protocol.Ack(msg.MessageID), true

	case protocol.TypeRequestRoom:
		s.mu.Lock()
		room, ok := s.rooms[msg.RoomID]
		s.mu.Unlock()
		if !ok {
			return protocol.Error(msg.MessageID, errs.NotFoundf("room %q not found", msg.RoomID)), true
		}
		return protocol.RoomUpdate(room, msg.MessageID), true

	case protocol.TypeApplyOperations:
		applied, err := s.apply(msg.Operations)
		if len(applied) > 0 {
			h.broadcast(protocol.SyncOperations(applied))
		}
		if err != nil {
			return protocol.Error(msg.MessageID, err), true
		}
		return protocol.Ack(msg.MessageID), true
	}
	return protocol.Error(msg.MessageID, errs.BadRequestf("unknown message type %q", msg.Type)), true
}

// apply runs the batch up to its first failure, skipping operations whose
// id was already applied.
func (s *Server) apply(batch ops.Batch) (ops.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied ops.Batch
	for _, op := range batch {
		if s.seen[op.OpID()] {
			continue
		}
		next, err := ops.Apply(s.rooms, op)
		if err != nil {
			return applied, err
		}
		s.rooms = next
		s.seen[op.OpID()] = true
		applied = append(applied, op)
	}
	return applied, nil
}

func (h *handler) broadcast(msg protocol.ServerMessage) {
	h.server.mu.Lock()
	conns := make([]*gws.Conn, 0, len(h.server.conns))
	for socket := range h.server.conns {
		conns = append(conns, socket)
	}
	h.server.mu.Unlock()

	for _, socket := range conns {
		h.send(socket, msg)
	}
}

func (h *handler) send(socket *gws.Conn, msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.server.log.Error("fakesync failed to encode reply", "error", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
		h.server.log.Debug("fakesync failed to write", "error", err)
	}
}
