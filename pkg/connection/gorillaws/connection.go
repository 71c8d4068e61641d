package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/protocol"
)

const defaultCloseTimeout = time.Second

type Connection struct {
	cfg     Config
	log     logger.Logger
	dialer  *gorilla.Dialer
	retryer Retryer

	stateMu sync.Mutex
	state   State
	conn    *gorilla.Conn

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex

	respMu    sync.Mutex
	responses map[string]chan *protocol.ServerMessage

	closeCh chan struct{}
	// wg tracks the read loops and the reconnect loop so Close can wait for them.
	wg sync.WaitGroup
}

func New(cfg Config, opts ...Option) (*Connection, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Connection{
		cfg:       cfg,
		log:       logger.OrNop(cfg.Logger),
		dialer:    cfg.Dialer,
		retryer:   cfg.Retryer,
		state:     StateDisconnected,
		responses: make(map[string]chan *protocol.ServerMessage),
		closeCh:   make(chan struct{}),
	}
	if c.dialer == nil {
		c.dialer = DefaultDialer
	}
	if c.retryer == nil {
		c.retryer = NewFixedDelayRetryer()
	}
	return c, nil
}

func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connection) transitionTo(next State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if err := c.state.validateTransitionTo(next); err != nil {
		return err
	}
	c.state = next
	c.log.Debug("gorillaws.Connection state transitioned", "new_state", next)
	return nil
}

// Connect dials the server and sends the opening ping.
//
// A failed initial connect is returned to the caller and is not retried;
// it usually means a wrong URL or a rejected token. Reconnects only happen
// after an established connection is lost abnormally.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.notifyConnect(false)
	return nil
}

func (c *Connection) connect(ctx context.Context) error {
	if err := c.transitionTo(StateConnecting); err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		if stateErr := c.transitionTo(StateDisconnected); stateErr != nil {
			c.log.Debug("gorillaws.Connection closed while dialing", "error", stateErr)
		}
		return fmt.Errorf("gorillaws: connect: %w", err)
	}

	c.stateMu.Lock()
	if c.state != StateConnecting {
		// Close won the race.
		c.stateMu.Unlock()
		_ = conn.Close()
		return constants.ErrClosed
	}
	c.state = StateConnected
	c.conn = conn
	c.stateMu.Unlock()

	// The server withholds its welcome until the first inbound frame. The
	// read loop only starts once the ping is out, so a failed ping has a
	// single owner.
	if err := c.write(conn, protocol.Ping()); err != nil {
		c.abandon(conn)
		return fmt.Errorf("gorillaws: opening ping: %w", err)
	}

	c.stateMu.Lock()
	if c.conn != conn || c.state != StateConnected {
		c.stateMu.Unlock()
		_ = conn.Close()
		return constants.ErrClosed
	}
	// Added under stateMu so Close cannot be waiting on wg yet.
	c.wg.Add(1)
	c.stateMu.Unlock()
	go c.readLoop(conn)
	return nil
}

// abandon drops a connection whose opening ping failed and puts the
// Connection back to Disconnected, unless Close already took over.
func (c *Connection) abandon(conn *gorilla.Conn) {
	c.stateMu.Lock()
	if c.conn == conn && c.state == StateConnected {
		c.state = StateDisconnected
		c.conn = nil
	}
	c.stateMu.Unlock()

	_ = conn.Close()
	c.failPending()
}

func (c *Connection) dial(ctx context.Context) (*gorilla.Conn, error) {
	token, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	target, err := syncURL(c.cfg.BaseURL, token)
	if err != nil {
		return nil, err
	}
	conn, res, err := c.dialer.DialContext(ctx, target, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, res.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func syncURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case constants.HTTPScheme, "":
		u.Scheme = constants.WebsocketScheme
	case constants.HTTPSecureScheme:
		u.Scheme = constants.SecureWebsocketScheme
	case constants.WebsocketScheme, constants.SecureWebsocketScheme:
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sync"
	q := u.Query()
	q.Set(constants.TokenQueryParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connection) write(conn *gorilla.Conn, msg protocol.ClientMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(gorilla.TextMessage, data)
}

func (c *Connection) current() (*gorilla.Conn, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch c.state {
	case StateConnected:
		return c.conn, nil
	case StateClosing, StateClosed:
		return nil, constants.ErrClosed
	default:
		return nil, constants.ErrNotConnected
	}
}

// Send writes msg and waits for the frame whose responseTo matches its
// messageId. A messageId is generated when msg has none.
//
// An error reply is returned together with its *errs.Error. When ctx
// expires first the error wraps constants.ErrTimeout; a reply arriving
// afterwards is logged and dropped.
func (c *Connection) Send(ctx context.Context, msg protocol.ClientMessage) (*protocol.ServerMessage, error) {
	if msg.MessageID == "" {
		msg.MessageID = protocol.NewMessageID()
	}
	conn, err := c.current()
	if err != nil {
		return nil, err
	}

	ch, err := c.register(msg.MessageID)
	if err != nil {
		return nil, err
	}
	defer c.unregister(msg.MessageID, ch)

	if err := c.write(conn, msg); err != nil {
		return nil, fmt.Errorf("gorillaws: send %s: %w", msg.Type, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", constants.ErrTimeout, msg.Type, msg.MessageID)
		}
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, constants.ErrClosed
		}
		return res, res.Err()
	}
}

func (c *Connection) register(id string) (chan *protocol.ServerMessage, error) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if _, ok := c.responses[id]; ok {
		return nil, fmt.Errorf("%w: %s", constants.ErrIDInUse, id)
	}
	ch := make(chan *protocol.ServerMessage, 1)
	c.responses[id] = ch
	return ch, nil
}

func (c *Connection) unregister(id string, ch chan *protocol.ServerMessage) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if cur, ok := c.responses[id]; ok && cur == ch {
		delete(c.responses, id)
	}
}

// failPending wakes every waiting Send with ErrClosed.
func (c *Connection) failPending() {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	for id, ch := range c.responses {
		close(ch)
		delete(c.responses, id)
	}
}

func (c *Connection) readLoop(conn *gorilla.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleLost(conn, err)
			return
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.log.Warn("gorillaws.Connection dropped an undecodable frame", "error", err)
			continue
		}
		if msg.ResponseTo != "" {
			c.handleResponse(msg)
			continue
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
	}
}

func (c *Connection) handleResponse(msg *protocol.ServerMessage) {
	c.respMu.Lock()
	ch, ok := c.responses[msg.ResponseTo]
	if ok {
		delete(c.responses, msg.ResponseTo)
	}
	c.respMu.Unlock()

	if !ok {
		c.log.Debug("gorillaws.Connection got a reply for no pending request", "response_to", msg.ResponseTo, "type", msg.Type)
		return
	}
	ch <- msg
}

func (c *Connection) handleLost(conn *gorilla.Conn, err error) {
	c.stateMu.Lock()
	if c.conn != conn {
		c.stateMu.Unlock()
		return
	}
	closing := c.state == StateClosing || c.state == StateClosed
	if !closing {
		c.state = StateDisconnected
		c.conn = nil
	}
	c.stateMu.Unlock()

	_ = conn.Close()
	c.failPending()
	if closing {
		return
	}

	if gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
		c.log.Info("gorillaws.Connection closed normally by the server")
		return
	}

	c.log.Warn("gorillaws.Connection lost", "error", err)
	c.wg.Add(1)
	go c.reconnectLoop(err)
}

func (c *Connection) reconnectLoop(lastErr error) {
	defer c.wg.Done()

	for attempt := 0; ; attempt++ {
		delay, ok := c.retryer.NextDelay(attempt, lastErr)
		if !ok {
			c.log.Error("gorillaws.Connection gave up reconnecting", "attempts", attempt, "error", lastErr)
			return
		}

		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		c.log.Info("gorillaws.Connection is attempting to reconnect", "attempt", attempt+1)
		err := c.connect(context.Background())
		if err == nil {
			c.retryer.Reset()
			c.notifyConnect(true)
			return
		}
		if errors.Is(err, constants.ErrClosed) {
			return
		}
		lastErr = err
		c.log.Warn("gorillaws.Connection failed to reconnect", "error", err)
	}
}

func (c *Connection) notifyConnect(reconnected bool) {
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(reconnected)
	}
}

// Close sends a normal close frame, stops reconnecting and waits for the
// read loop to exit or ctx to expire. A closed Connection cannot be reused.
func (c *Connection) Close(ctx context.Context) error {
	c.stateMu.Lock()
	if err := c.state.validateTransitionTo(StateClosing); err != nil {
		c.stateMu.Unlock()
		return fmt.Errorf("gorillaws: already closing or closed: %w", err)
	}
	c.state = StateClosing
	conn := c.conn
	c.stateMu.Unlock()

	close(c.closeCh)

	var closeErr error
	if conn != nil {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(defaultCloseTimeout)
		}
		msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
		if err := conn.WriteControl(gorilla.CloseMessage, msg, deadline); err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
			closeErr = fmt.Errorf("gorillaws: write close: %w", err)
		}
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		closeErr = errors.Join(closeErr, ctx.Err())
	}

	c.failPending()
	if err := c.transitionTo(StateClosed); err != nil {
		c.log.Error("BUG: gorillaws.Connection failed to transition to closed state", "error", err)
	}
	return closeErr
}
