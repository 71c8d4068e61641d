// Package syncstore is the client-side mirror of one property's rooms.
//
// Local edits are applied optimistically and sent to the property actor in
// the background; Apply never waits on the network. An edit that cannot be
// delivered (transport down, or no ack within Timeout) goes to the backlog,
// which is flushed as one batch on the next connect. The optimistic state is
// never rolled back on timeout.
//
// The redo stack survives new local edits. It is cleared only when a fresh
// edit is backlogged, unless that edit sets KeepRedo; undo and redo never
// clear it. Redo after an unrelated edit therefore reapplies the undone
// change on top of the newer state.
//
// Every applied operation id is remembered so the actor's echo of a local
// edit, or a second delivery of a remote one, is applied at most once.
package syncstore

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roomsync/roomsync.go/internal/oplog"
	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
	"github.com/roomsync/roomsync.go/pkg/protocol"
)

// Transport delivers requests to the property actor. *gorillaws.Connection
// implements it.
type Transport interface {
	Send(ctx context.Context, msg protocol.ClientMessage) (*protocol.ServerMessage, error)
	IsConnected() bool
}

// ApplyOptions tune how one local edit goes through the pipeline.
type ApplyOptions struct {
	// NonUndoable skips pushing the inverse onto the undo stack.
	NonUndoable bool
	// LocalOnly applies the edit to the local mirror only. It is neither
	// sent nor undoable.
	LocalOnly bool
	// Personal marks ephemeral edits. They are sent with personal=true and
	// dropped instead of backlogged when delivery fails.
	Personal bool
	// KeepRedo keeps the redo stack when the edit is backlogged.
	KeepRedo bool
}

type Config struct {
	// Transport may be nil, in which case every edit is backlogged until
	// SetTransport is called.
	Transport Transport
	Logger    logger.Logger
	// Timeout bounds one applyOperations round trip. Zero means
	// constants.DefaultRequestTimeout.
	Timeout time.Duration
	// SeenOpsLimit bounds the remembered operation ids. Zero means oplog.DefaultLimit.
	SeenOpsLimit int
	// Rooms seeds the local mirror.
	Rooms models.Rooms
	// OnChange, when set, is called with the new rooms after every change.
	// It runs outside the store lock.
	OnChange func(models.Rooms)
}

// Device is a connected device of another client, from presence events.
type Device struct {
	UserID   string
	DeviceID string
}

type Store struct {
	log      logger.Logger
	timeout  time.Duration
	onChange func(models.Rooms)

	mu        sync.Mutex
	transport Transport
	rooms     models.Rooms
	undo      []ops.Op
	redo      []ops.Op
	seen      *oplog.Log
	backlog   []ops.Op
	devices   map[Device]struct{}

	// outbox is drained in order by a single goroutine, so edits reach the
	// actor in submission order.
	outbox      []outgoing
	sending     bool
	flushQueued bool

	// flushLen is the length of the backlog prefix currently being flushed.
	flushLen int

	// pending holds sent or queued batches not yet acked, in submission order.
	pending []outgoing

	inflight sync.WaitGroup
}

type outgoing struct {
	id    string
	batch ops.Batch
	opts  ApplyOptions
	flush bool
}

func New(cfg Config) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultRequestTimeout
	}
	rooms := cfg.Rooms
	if rooms == nil {
		rooms = models.Rooms{}
	}
	return &Store{
		log:       logger.OrNop(cfg.Logger),
		timeout:   cfg.Timeout,
		onChange:  cfg.OnChange,
		transport: cfg.Transport,
		rooms:     rooms,
		seen:      oplog.New(cfg.SeenOpsLimit),
		devices:   make(map[Device]struct{}),
	}
}

func (s *Store) SetTransport(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// Rooms returns the current local state. The value is shared and must not
// be modified.
func (s *Store) Rooms() models.Rooms {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms
}

func (s *Store) Room(id string) (models.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	return room, ok
}

// Backlog returns the operations waiting for delivery, in submission order.
func (s *Store) Backlog() []ops.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.backlog)
}

func (s *Store) UndoLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo)
}

func (s *Store) RedoLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redo)
}

// Devices returns the other devices online for this property.
func (s *Store) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for d := range s.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Device) int {
		return cmp.Or(strings.Compare(a.UserID, b.UserID), strings.Compare(a.DeviceID, b.DeviceID))
	})
	return out
}

// Apply runs a local edit: it captures the inverse, applies op to the
// local mirror, pushes the inverse onto the undo stack and sends op in the
// background. Only a local reducer failure is returned; delivery problems
// end up in the backlog.
func (s *Store) Apply(op ops.Op, opts ApplyOptions) error {
	return s.apply(op, opts, stackUndo)
}

// Undo reverts the most recent undoable edit. The inverse goes through the
// same pipeline as Apply and its own inverse lands on the redo stack.
// It reports false when there is nothing to undo.
func (s *Store) Undo() (bool, error) {
	return s.replay(stackUndo)
}

// Redo reapplies the most recently undone edit.
func (s *Store) Redo() (bool, error) {
	return s.replay(stackRedo)
}

type stack int

const (
	stackUndo stack = iota
	stackRedo
)

func (s *Store) replay(from stack) (bool, error) {
	s.mu.Lock()
	src := &s.undo
	to := stackRedo
	if from == stackRedo {
		src = &s.redo
		to = stackUndo
	}
	if len(*src) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	op := (*src)[len(*src)-1]
	*src = (*src)[:len(*src)-1]
	s.mu.Unlock()

	// A backlogged undo or redo keeps the redo stack it is walking.
	if err := s.apply(op, ApplyOptions{KeepRedo: true}, to); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) apply(op ops.Op, opts ApplyOptions, push stack) error {
	s.mu.Lock()
	inverse := ops.Invert(s.rooms, op)
	next, err := ops.Apply(s.rooms, op)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.rooms = next
	s.seen.Add(op.OpID())
	if inverse != nil && !opts.NonUndoable && !opts.LocalOnly {
		if push == stackUndo {
			s.undo = append(s.undo, inverse)
		} else {
			s.redo = append(s.redo, inverse)
		}
	}
	if !opts.LocalOnly {
		s.transmitLocked(ops.Batch{op}, opts)
	}
	rooms := s.rooms
	s.mu.Unlock()

	s.changed(rooms)
	return nil
}

// transmitLocked must be called with mu held. It never blocks on the network.
func (s *Store) transmitLocked(batch ops.Batch, opts ApplyOptions) {
	connected := s.transport != nil && s.transport.IsConnected()
	switch {
	case len(s.backlog) > 0 && !opts.Personal:
		// Nothing may overtake the backlog.
		s.backlogLocked(batch, opts)
		if connected {
			s.enqueueLocked(outgoing{flush: true})
		}
	case !connected && !s.sending:
		s.backlogLocked(batch, opts)
	default:
		s.enqueueLocked(outgoing{id: protocol.NewMessageID(), batch: batch, opts: opts})
	}
}

// enqueueLocked must be called with mu held.
func (s *Store) enqueueLocked(out outgoing) {
	if out.flush {
		if s.flushQueued {
			return
		}
		s.flushQueued = true
	} else {
		s.pending = append(s.pending, out)
	}
	s.outbox = append(s.outbox, out)
	if s.sending {
		return
	}
	s.sending = true
	s.inflight.Add(1)
	go s.drain()
}

func (s *Store) drain() {
	defer s.inflight.Done()
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 {
			s.sending = false
			s.mu.Unlock()
			return
		}
		out := s.outbox[0]
		s.outbox = s.outbox[1:]
		t := s.transport
		s.mu.Unlock()

		if out.flush {
			s.flush(t)
		} else {
			s.send(t, out)
		}
	}
}

func (s *Store) roundTrip(t Transport, id string, batch ops.Batch, personal bool) (*protocol.ServerMessage, error) {
	if t == nil {
		return nil, constants.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return t.Send(ctx, protocol.ApplyOperations(id, batch, personal))
}

func (s *Store) send(t Transport, out outgoing) {
	res, err := s.roundTrip(t, out.id, out.batch, out.opts.Personal)

	s.mu.Lock()
	s.dropPendingLocked(out.id)
	if err != nil && !rejected(res) {
		s.backlogLocked(out.batch, out.opts)
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case rejected(res):
		s.log.Warn("syncstore.Store edit rejected by the property actor", "message_id", out.id, "error", err)
		s.resync(t, out.batch)
	default:
		s.log.Info("syncstore.Store could not deliver edit, backlogging", "message_id", out.id, "error", err)
	}
}

// flush sends the whole backlog as one batch. On an ack, or a rejection,
// the sent operations leave the backlog; on a transport failure they stay
// until the next connect.
func (s *Store) flush(t Transport) {
	s.mu.Lock()
	s.flushQueued = false
	if len(s.backlog) == 0 {
		s.mu.Unlock()
		return
	}
	batch := ops.Batch(slices.Clone(s.backlog))
	out := outgoing{id: protocol.NewMessageID(), batch: batch}
	s.flushLen = len(batch)
	s.pending = append(s.pending, out)
	s.mu.Unlock()

	res, err := s.roundTrip(t, out.id, batch, false)

	s.mu.Lock()
	s.dropPendingLocked(out.id)
	s.flushLen = 0
	if err == nil || rejected(res) {
		s.backlog = slices.Clone(s.backlog[len(batch):])
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.log.Debug("syncstore.Store flushed backlog", "operations", len(batch))
	case rejected(res):
		s.log.Warn("syncstore.Store backlog rejected by the property actor", "operations", len(batch), "error", err)
		s.resync(t, batch)
	default:
		s.log.Info("syncstore.Store backlog flush failed", "operations", len(batch), "error", err)
	}
}

// dropPendingLocked must be called with mu held.
func (s *Store) dropPendingLocked(id string) {
	s.pending = slices.DeleteFunc(s.pending, func(out outgoing) bool { return out.id == id })
}

func rejected(res *protocol.ServerMessage) bool {
	return res != nil && res.Type == protocol.TypeError
}

// backlogLocked must be called with mu held.
func (s *Store) backlogLocked(batch ops.Batch, opts ApplyOptions) {
	if opts.Personal {
		return
	}
	s.backlog = append(s.backlog, batch...)
	if !opts.KeepRedo {
		s.redo = nil
	}
}

// resync replaces the rooms touched by a rejected batch with the actor's
// copy, since the optimistic state for them can no longer be trusted.
func (s *Store) resync(t Transport, batch ops.Batch) {
	var ids []string
	for _, op := range batch {
		if !slices.Contains(ids, op.Room()) {
			ids = append(ids, op.Room())
		}
	}
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		_, err := s.requestRoom(ctx, t, id)
		cancel()
		if err != nil {
			s.log.Warn("syncstore.Store failed to resync room", "room_id", id, "error", err)
		}
	}
}

// RequestRoom fetches roomID from the actor and replaces the local copy.
func (s *Store) RequestRoom(ctx context.Context, roomID string) (models.Room, error) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return models.Room{}, constants.ErrNotConnected
	}
	return s.requestRoom(ctx, t, roomID)
}

func (s *Store) requestRoom(ctx context.Context, t Transport, roomID string) (models.Room, error) {
	res, err := t.Send(ctx, protocol.RequestRoom(protocol.NewMessageID(), roomID))
	if err != nil {
		if errs.CodeOf(err) == errs.NotFound {
			s.removeRoom(roomID)
		}
		return models.Room{}, err
	}
	if res.Data == nil {
		return models.Room{}, errs.Newf(errs.InternalServerError, "roomUpdate for %q without data", roomID)
	}
	s.replaceRoom(*res.Data)
	return *res.Data, nil
}

// Flush queues delivery of the whole backlog as one batch. It does nothing
// while the transport is down.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 || s.transport == nil || !s.transport.IsConnected() {
		return
	}
	s.enqueueLocked(outgoing{flush: true})
}

// OnConnect is meant for gorillaws.WithOnConnect: every (re)connect
// flushes the backlog.
func (s *Store) OnConnect(bool) {
	s.Flush()
}

// HandleMessage applies a server broadcast. It is meant for
// gorillaws.WithOnMessage.
func (s *Store) HandleMessage(msg *protocol.ServerMessage) {
	switch msg.Type {
	case protocol.TypeRoomUpdate:
		if msg.Data != nil {
			s.replaceRoom(*msg.Data)
		}
	case protocol.TypeRoomDeleted:
		s.removeRoom(msg.RoomID)
	case protocol.TypeSyncOperations:
		s.applyRemote(msg.Operations)
	case protocol.TypeDeviceConnected:
		s.mu.Lock()
		s.devices[Device{UserID: msg.UserID, DeviceID: msg.DeviceID}] = struct{}{}
		s.mu.Unlock()
	case protocol.TypeDeviceDisconnected:
		s.mu.Lock()
		delete(s.devices, Device{UserID: msg.UserID, DeviceID: msg.DeviceID})
		s.mu.Unlock()
	case protocol.TypeError:
		s.log.Warn("syncstore.Store got an uncorrelated error", "code", msg.Code, "message", msg.Message)
	default:
		s.log.Debug("syncstore.Store ignored message", "type", msg.Type)
	}
}

func (s *Store) applyRemote(batch ops.Batch) {
	s.mu.Lock()
	changed := false
	for _, op := range batch {
		if op == nil || s.seen.Has(op.OpID()) {
			continue
		}
		next, err := ops.Apply(s.rooms, op)
		s.seen.Add(op.OpID())
		if err != nil {
			s.log.Warn("syncstore.Store could not apply remote operation", "op_id", op.OpID(), "kind", op.Kind(), "error", err)
			continue
		}
		s.rooms = next
		changed = true
	}
	rooms := s.rooms
	s.mu.Unlock()

	if changed {
		s.changed(rooms)
	}
}

// replaceRoom installs the actor's copy of a room and replays on top of it
// the local edits the actor has not acknowledged yet.
func (s *Store) replaceRoom(room models.Room) {
	s.mu.Lock()
	rooms := s.rooms.With(room)
	for _, op := range s.unackedLocked() {
		if op.Room() != room.ID {
			continue
		}
		if next, err := ops.Apply(rooms, op); err == nil {
			rooms = next
		}
	}
	s.rooms = rooms
	s.mu.Unlock()

	s.changed(rooms)
}

// unackedLocked must be called with mu held.
func (s *Store) unackedLocked() []ops.Op {
	var out []ops.Op
	for _, p := range s.pending {
		out = append(out, p.batch...)
	}
	return append(out, s.backlog[s.flushLen:]...)
}

func (s *Store) removeRoom(id string) {
	s.mu.Lock()
	if _, ok := s.rooms[id]; !ok {
		s.mu.Unlock()
		return
	}
	s.rooms = s.rooms.Without(id)
	rooms := s.rooms
	s.mu.Unlock()

	s.changed(rooms)
}

func (s *Store) changed(rooms models.Rooms) {
	if s.onChange != nil {
		s.onChange(rooms)
	}
}

// Wait blocks until every background delivery and flush has finished.
func (s *Store) Wait() {
	s.inflight.Wait()
}
