// Package store persists one opaque snapshot blob per property.
//
// The blob format belongs to internal/snapshot; stores never look inside it.
package store

import (
	"context"
	"errors"
)

// Store is the persistence collaborator of a property actor.
// Implementations are safe for concurrent use.
type Store interface {
	// Load returns the blob of propertyID. ok is false when nothing was saved yet.
	Load(ctx context.Context, propertyID string) (blob []byte, ok bool, err error)
	// Save replaces the blob of propertyID.
	Save(ctx context.Context, propertyID string, blob []byte) error
	// Delete removes the blob of propertyID. Deleting a missing blob is not an error.
	Delete(ctx context.Context, propertyID string) error
	Close() error
}

// ErrClosed is returned by every call on a closed store.
var ErrClosed = errors.New("store closed")
