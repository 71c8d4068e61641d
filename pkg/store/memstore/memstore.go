// Package memstore is an in-process Store used by tests and by the
// "memory" driver.
package memstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/roomsync/roomsync.go/pkg/store"
)

type Store struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	closed bool

	saveErr error
	saves   int
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

func (s *Store) Load(_ context.Context, propertyID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, store.ErrClosed
	}
	blob, ok := s.blobs[propertyID]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(blob), true, nil
}

func (s *Store) Save(_ context.Context, propertyID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	s.blobs[propertyID] = bytes.Clone(blob)
	s.saves++
	return nil
}

func (s *Store) Delete(_ context.Context, propertyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.blobs, propertyID)
	return nil
}

// FailSaves makes subsequent saves return err. A nil err restores saving.
func (s *Store) FailSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

// Saves counts successful saves.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
