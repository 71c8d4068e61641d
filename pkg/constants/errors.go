package constants

import "errors"

// Errors
var (
	ErrIDInUse       = errors.New("id already in use")
	ErrTimeout       = errors.New("timeout")
	ErrClosed        = errors.New("connection closed")
	ErrNotConnected  = errors.New("not connected")
	ErrNoBaseURL     = errors.New("base url not set")
	ErrNoToken       = errors.New("token source not set")
	ErrActorStopped  = errors.New("property actor stopped")
	ErrRegistryClose = errors.New("registry closed")
	ErrUnknownMethod = errors.New("unknown message type")
)
