package constants

import "time"

const (
	// RoomStateVersion is the schema version of persisted property snapshots.
	RoomStateVersion = 3

	// RequestIDLength size of the messageId generated for client requests
	RequestIDLength = 16

	// CloseMessageCode is the WebSocket close code of an explicit, normal close.
	CloseMessageCode = 1000

	// DefaultRequestTimeout bounds the round-trip of one client request.
	// A request past it is treated as failed and its operations are backlogged.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultReconnectDelay is the fixed delay before reconnecting after an abnormal close.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultTokenTTL is the lifetime of a connection token.
	DefaultTokenTTL = time.Hour

	// DefaultActorIdleTimeout is how long an actor without leases stays alive.
	DefaultActorIdleTimeout = 2 * time.Minute

	// DefaultWriteTimeout bounds a single WebSocket frame write on the server.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	WebsocketScheme       = "ws"
	SecureWebsocketScheme = "wss"
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
)

// TokenQueryParam is the query parameter carrying the connection token.
const TokenQueryParam = "token"
