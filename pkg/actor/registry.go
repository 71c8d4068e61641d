package actor

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/presence"
	"github.com/roomsync/roomsync.go/pkg/store"
)

type RegistryConfig struct {
	Store    store.Store
	Logger   logger.Logger
	Presence *presence.Tracker
	// IdleTimeout is how long an actor without leases keeps running.
	IdleTimeout time.Duration
	// Actor is the template for new actors; PropertyID, Store, Logger and
	// Presence are filled in by the registry.
	Actor Config
}

// Registry addresses one actor per property id. Actors start on the first
// Acquire and stop after IdleTimeout without leases.
type Registry struct {
	cfg RegistryConfig
	log logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	actor  *Actor
	ready  chan struct{}
	err    error
	leases int
	idle   *time.Timer
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.DefaultActorIdleTimeout
	}
	return &Registry{
		cfg:     cfg,
		log:     logger.OrNop(cfg.Logger),
		entries: make(map[string]*entry),
	}
}

// Acquire returns the running actor of propertyID, starting it if needed,
// and a release func that must be called once the caller is done with it.
// Concurrent callers for a property that is still loading wait for the load.
func (r *Registry) Acquire(ctx context.Context, propertyID string) (*Actor, func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, constants.ErrRegistryClose
	}
	e, ok := r.entries[propertyID]
	if ok {
		e.leases++
		if e.idle != nil {
			e.idle.Stop()
			e.idle = nil
		}
		r.mu.Unlock()
	} else {
		cfg := r.cfg.Actor
		cfg.PropertyID = propertyID
		cfg.Store = r.cfg.Store
		cfg.Logger = r.log
		cfg.Presence = r.cfg.Presence
		e = &entry{actor: New(cfg), ready: make(chan struct{}), leases: 1}
		r.entries[propertyID] = e
		r.mu.Unlock()

		err := e.actor.Start(ctx)
		r.mu.Lock()
		e.err = err
		if err != nil && r.entries[propertyID] == e {
			delete(r.entries, propertyID)
		}
		close(e.ready)
		r.mu.Unlock()
		if err != nil {
			r.log.Error("property actor failed to start", "property", propertyID, "error", err)
		}
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		r.release(propertyID, e)
		return nil, nil, ctx.Err()
	}
	if e.err != nil {
		r.release(propertyID, e)
		return nil, nil, e.err
	}

	var once sync.Once
	return e.actor, func() { once.Do(func() { r.release(propertyID, e) }) }, nil
}

func (r *Registry) release(propertyID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.leases--
	if e.leases > 0 || e.err != nil || r.entries[propertyID] != e {
		return
	}
	e.idle = time.AfterFunc(r.cfg.IdleTimeout, func() { r.expire(propertyID, e) })
}

func (r *Registry) expire(propertyID string, e *entry) {
	r.mu.Lock()
	if r.entries[propertyID] != e || e.leases > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, propertyID)
	r.mu.Unlock()

	e.actor.Stop()
	r.log.Debug("property actor stopped after idle timeout", "property", propertyID)
}

// Running lists the property ids with a live actor, sorted.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close stops every actor. Acquire fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	for _, e := range entries {
		if e.idle != nil {
			e.idle.Stop()
		}
	}
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.err == nil {
			e.actor.Stop()
		}
	}
}
