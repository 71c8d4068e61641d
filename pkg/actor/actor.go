// Package actor implements the property actor: the single goroutine that owns
// the canonical rooms of one property, serializes every change to them and
// fans the results out to attached connections.
//
// A mutating call runs to completion (apply, persist, broadcast) before the
// next one starts. If the reducer rejects an operation nothing is written and
// nothing is broadcast for it.
package actor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roomsync/roomsync.go/internal/oplog"
	"github.com/roomsync/roomsync.go/internal/snapshot"
	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
	"github.com/roomsync/roomsync.go/pkg/presence"
	"github.com/roomsync/roomsync.go/pkg/protocol"
	"github.com/roomsync/roomsync.go/pkg/store"
)

// CloseGoingAway is the close code sent to connections when an actor stops.
const CloseGoingAway = 1001

const (
	defaultInboxSize      = 256
	defaultPersistTimeout = 10 * time.Second
)

type Config struct {
	PropertyID string
	Store      store.Store
	Logger     logger.Logger
	// Presence is optional. Without it no presence events are sent.
	Presence *presence.Tracker
	// InboxSize bounds queued requests before callers block.
	InboxSize int
	// SeenOpsLimit bounds how many applied operation ids are remembered
	// to drop duplicate deliveries. Zero means oplog.DefaultLimit.
	SeenOpsLimit   int
	PersistTimeout time.Duration
}

type Actor struct {
	id             string
	store          store.Store
	log            logger.Logger
	presence       *presence.Tracker
	persistTimeout time.Duration

	inbox    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// owned by the run loop
	rooms models.Rooms
	conns map[string]*conn
	seen  *oplog.Log
}

func New(cfg Config) *Actor {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Actor{
		id:             cfg.PropertyID,
		store:          cfg.Store,
		log:            logger.OrNop(cfg.Logger),
		presence:       cfg.Presence,
		persistTimeout: cfg.PersistTimeout,
		inbox:          make(chan func(), cfg.InboxSize),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		conns:          make(map[string]*conn),
		seen:           oplog.New(cfg.SeenOpsLimit),
	}
}

// PropertyID returns the property this actor owns.
func (a *Actor) PropertyID() string {
	return a.id
}

// Start loads the canonical state and starts the run loop. It blocks until
// the state is loaded; a property without saved state gets one default room.
func (a *Actor) Start(ctx context.Context) error {
	if err := a.load(ctx); err != nil {
		return err
	}
	runningActors.Inc()
	go a.run()
	return nil
}

func (a *Actor) load(ctx context.Context) error {
	blob, ok, err := a.store.Load(ctx, a.id)
	if err != nil {
		return errs.Wrap(errs.InternalServerError, err, "load property state")
	}
	if !ok {
		room := models.NewRoom(models.RoomInit{}, constants.RoomStateVersion)
		a.rooms = models.Rooms{room.ID: room}
		a.log.Info("synthesized default room", "property", a.id, "room", room.ID)
		return a.persist(a.rooms)
	}

	res, err := snapshot.Decode(blob)
	if err != nil {
		return errs.Wrap(errs.InternalServerError, err, "decode property state")
	}
	a.rooms = res.Rooms
	if res.Migrated || res.Dropped > 0 {
		a.log.Info("migrated property state", "property", a.id,
			"from_version", res.FromVersion, "dropped", res.Dropped)
		return a.persist(a.rooms)
	}
	return nil
}

func (a *Actor) run() {
	defer close(a.done)
	defer runningActors.Dec()
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.quit:
			for _, c := range a.conns {
				a.detach(c, CloseGoingAway, "property actor stopped")
			}
			return
		}
	}
}

// Stop closes every attached connection and ends the run loop. Queued
// requests fail with constants.ErrActorStopped.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	<-a.done
}

// Done is closed once the actor has stopped.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// call runs fn on the actor goroutine and waits for its result.
func call[T any](ctx context.Context, a *Actor, fn func() (T, error)) (T, error) {
	var zero T
	type result struct {
		v   T
		err error
	}
	res := make(chan result, 1)
	job := func() {
		v, err := fn()
		res <- result{v, err}
	}

	select {
	case a.inbox <- job:
	case <-a.done:
		return zero, constants.ErrActorStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-res:
		return r.v, r.err
	case <-a.done:
		return zero, constants.ErrActorStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// cast queues fn without waiting. It reports false if the actor stopped.
func (a *Actor) cast(fn func()) bool {
	select {
	case a.inbox <- fn:
		return true
	case <-a.done:
		return false
	}
}

func (a *Actor) persist(rooms models.Rooms) error {
	start := time.Now()
	defer func() { persistDuration.Observe(time.Since(start).Seconds()) }()

	blob, err := snapshot.Encode(rooms)
	if err != nil {
		return errs.Wrap(errs.InternalServerError, err, "encode property state")
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.persistTimeout)
	defer cancel()
	if err := a.store.Save(ctx, a.id, blob); err != nil {
		return errs.Wrap(errs.InternalServerError, err, "save property state")
	}
	return nil
}

// commit applies batch in order, stopping at the first rejected operation.
// The applied prefix is persisted as one snapshot and broadcast; the returned
// error is the rejection, if any. Operations whose id was already applied,
// or already appears earlier in the batch, are skipped. When persisting fails
// nothing is applied.
func (a *Actor) commit(batch []ops.Op) (ops.Batch, error) {
	fresh := make([]ops.Op, 0, len(batch))
	inBatch := make(map[string]struct{}, len(batch))
	for _, op := range batch {
		id := op.OpID()
		if _, dup := inBatch[id]; dup || a.seen.Has(id) {
			opsDuplicate.Inc()
			continue
		}
		inBatch[id] = struct{}{}
		fresh = append(fresh, op)
	}

	next, n, applyErr := ops.ApplyAll(a.rooms, fresh)
	if applyErr != nil {
		opsFailed.WithLabelValues(string(fresh[n].Kind()), fmt.Sprint(int(errs.CodeOf(applyErr)))).Inc()
	}
	if n == 0 {
		return nil, applyErr
	}

	applied := ops.Batch(fresh[:n])
	if err := a.persist(next); err != nil {
		return nil, err
	}
	a.rooms = next

	touched := make([]string, 0, 1)
	for _, op := range applied {
		a.seen.Add(op.OpID())
		opsApplied.WithLabelValues(string(op.Kind())).Inc()
		if !slices.Contains(touched, op.Room()) {
			touched = append(touched, op.Room())
		}
	}

	a.broadcast(protocol.SyncOperations(applied), "")
	for _, id := range touched {
		a.broadcast(protocol.RoomUpdate(a.rooms[id], ""), "")
	}
	return applied, applyErr
}

// broadcast sends msg to every attached connection except the one with id except.
func (a *Actor) broadcast(msg protocol.ServerMessage, except string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		a.log.Error("encode broadcast failed", "property", a.id, "type", msg.Type, "error", err)
		return
	}
	broadcasts.WithLabelValues(string(msg.Type)).Inc()
	for id, c := range a.conns {
		if id == except {
			continue
		}
		if err := c.send(data); err != nil {
			a.log.Warn("broadcast write failed, closing connection", "property", a.id, "conn", id, "error", err)
			a.detach(c, constants.CloseMessageCode, "write failed")
		}
	}
}

func (a *Actor) sendTo(c *conn, msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		a.log.Error("encode reply failed", "property", a.id, "conn", c.id, "type", msg.Type, "error", err)
		return
	}
	if err := c.send(data); err != nil {
		a.log.Warn("reply write failed, closing connection", "property", a.id, "conn", c.id, "error", err)
		a.detach(c, constants.CloseMessageCode, "write failed")
	}
}

// GetRoom returns the canonical state of one room.
func (a *Actor) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	return call(ctx, a, func() (models.Room, error) {
		room, ok := a.rooms[roomID]
		if !ok {
			return models.Room{}, errs.NotFoundf("room %q not found", roomID)
		}
		return room, nil
	})
}

// GetAllRooms returns every room of the property.
func (a *Actor) GetAllRooms(ctx context.Context) (models.Rooms, error) {
	return call(ctx, a, func() (models.Rooms, error) {
		return maps.Clone(a.rooms), nil
	})
}

// CreateRoom creates a room together with its default layout.
func (a *Actor) CreateRoom(ctx context.Context, init models.RoomInit) (models.Room, error) {
	return call(ctx, a, func() (models.Room, error) {
		if _, ok := a.rooms[init.ID]; ok && init.ID != "" {
			return models.Room{}, errs.Conflictf("room %q already exists", init.ID)
		}
		room := models.NewRoom(init, constants.RoomStateVersion)
		next := a.rooms.With(room)
		if err := a.persist(next); err != nil {
			return models.Room{}, err
		}
		a.rooms = next
		a.broadcast(protocol.RoomUpdate(room, ""), "")
		return room, nil
	})
}

// DeleteRoom removes a room and tells every connection about it.
func (a *Actor) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := call(ctx, a, func() (struct{}, error) {
		if _, ok := a.rooms[roomID]; !ok {
			return struct{}{}, errs.NotFoundf("room %q not found", roomID)
		}
		next := a.rooms.Without(roomID)
		if err := a.persist(next); err != nil {
			return struct{}{}, err
		}
		a.rooms = next
		a.broadcast(protocol.RoomDeleted(roomID), "")
		return struct{}{}, nil
	})
	return err
}

// Apply runs batch through the reducer. It returns the operations that were
// applied; on a rejection that is the prefix before the rejected operation.
func (a *Actor) Apply(ctx context.Context, batch ops.Batch) (ops.Batch, error) {
	return call(ctx, a, func() (ops.Batch, error) {
		return a.commit(batch)
	})
}

func (a *Actor) applyOne(ctx context.Context, op ops.Op) (models.Room, error) {
	return call(ctx, a, func() (models.Room, error) {
		if _, err := a.commit([]ops.Op{op}); err != nil {
			return models.Room{}, err
		}
		return a.rooms[op.Room()], nil
	})
}
