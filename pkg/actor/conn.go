package actor

import (
	"fmt"

	"github.com/roomsync/roomsync.go/pkg/auth"
	"github.com/roomsync/roomsync.go/pkg/constants"
)

// Socket is the write side of an attached transport.
type Socket interface {
	WriteMessage(data []byte) error
	Close(code uint16, reason string)
}

type ConnState int

const (
	ConnPending ConnState = iota
	ConnReady
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnPending:
		return "Pending"
	case ConnReady:
		return "Ready"
	case ConnClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (s ConnState) validateTransitionTo(next ConnState) error {
	switch s {
	case ConnPending:
		if next == ConnReady || next == ConnClosed {
			return nil
		}
	case ConnReady:
		if next == ConnClosed {
			return nil
		}
	}
	return fmt.Errorf("invalid connection state transition from %v to %v", s, next)
}

// conn is one attached connection. It is owned by the actor goroutine and
// never touched from anywhere else.
type conn struct {
	id       string
	identity auth.Identity
	socket   Socket
	state    ConnState
	// frames written while pending, flushed in order on ready
	backlog [][]byte
}

func (c *conn) transitionTo(next ConnState) error {
	if err := c.state.validateTransitionTo(next); err != nil {
		return err
	}
	c.state = next
	return nil
}

// send writes data now when ready and queues it while pending.
func (c *conn) send(data []byte) error {
	switch c.state {
	case ConnPending:
		c.backlog = append(c.backlog, data)
		return nil
	case ConnReady:
		return c.socket.WriteMessage(data)
	default:
		return constants.ErrClosed
	}
}

// ready flushes the backlog. It is a no-op once the connection is ready.
func (c *conn) ready() error {
	if c.state != ConnPending {
		return nil
	}
	if err := c.transitionTo(ConnReady); err != nil {
		return err
	}
	backlog := c.backlog
	c.backlog = nil
	for _, data := range backlog {
		if err := c.socket.WriteMessage(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) close(code uint16, reason string) {
	if c.state == ConnClosed {
		return
	}
	_ = c.transitionTo(ConnClosed)
	c.backlog = nil
	c.socket.Close(code, reason)
}
