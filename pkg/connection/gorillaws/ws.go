// Package gorillaws is the client side of a sync connection, built on
// gorilla/websocket.
//
// A Connection dials <base>/sync?token=..., sends the opening ping, and
// correlates replies to requests by messageId. Frames without responseTo
// (broadcasts) go to the OnMessage callback. After an abnormal close it
// reconnects on its own, paced by a Retryer; a normal close does not
// trigger a retry.
package gorillaws

import (
	"context"
	"fmt"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/protocol"
)

// DefaultDialer is the gorilla dialer used when Config.Dialer is nil.
//
// It is gorilla.DefaultDialer with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// State of a Connection.
//
//	Disconnected -> Connecting (Connect, or a reconnect attempt)
//	Connecting   -> Connected | Disconnected
//	Connected    -> Disconnected (connection lost) | Closing (Close)
//	Disconnected -> Closing (Close while waiting to reconnect)
//	Closing      -> Closed
type State int

const (
	StateUnknown State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateUnknown:
		return "Unknown"
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (state State) validateTransitionTo(next State) error {
	switch state {
	case StateDisconnected:
		switch next {
		case StateConnecting, StateClosing:
			return nil
		}
	case StateConnecting:
		switch next {
		case StateConnected, StateDisconnected, StateClosing:
			return nil
		}
	case StateConnected:
		switch next {
		case StateDisconnected, StateClosing:
			return nil
		}
	case StateClosing:
		if next == StateClosed {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", state, next)
}

// TokenSource returns the token for the next dial. It is called on every
// (re)connect so that a reconnect after expiry can pick up a fresh one.
type TokenSource func(ctx context.Context) (string, error)

func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type Config struct {
	// BaseURL is the server root, http(s):// or ws(s)://.
	BaseURL string
	Token   TokenSource

	Dialer  *gorilla.Dialer
	Retryer Retryer
	Logger  logger.Logger

	// OnMessage receives every frame that is not a reply to a request.
	// It runs on the read goroutine; it must not block on the connection.
	OnMessage func(msg *protocol.ServerMessage)
	// OnConnect runs after every successful connect, once the opening ping
	// has been written. reconnected is false for the first one.
	OnConnect func(reconnected bool)

	// WriteTimeout bounds a single frame write. Zero means no deadline.
	WriteTimeout time.Duration
}

type Option func(cfg *Config)

func WithRetryer(r Retryer) Option {
	return func(cfg *Config) { cfg.Retryer = r }
}

func WithLogger(l logger.Logger) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

func WithDialer(d *gorilla.Dialer) Option {
	return func(cfg *Config) { cfg.Dialer = d }
}

func WithOnMessage(fn func(*protocol.ServerMessage)) Option {
	return func(cfg *Config) { cfg.OnMessage = fn }
}

func WithOnConnect(fn func(reconnected bool)) Option {
	return func(cfg *Config) { cfg.OnConnect = fn }
}

func (cfg *Config) validate() error {
	if cfg.BaseURL == "" {
		return constants.ErrNoBaseURL
	}
	if cfg.Token == nil {
		return constants.ErrNoToken
	}
	return nil
}
