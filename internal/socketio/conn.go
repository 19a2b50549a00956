package socketio

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"happy-sync/internal/hub"
	"happy-sync/internal/protocol"
)

var errAckTimeout = errors.New("RPC timeout")

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool

	userID     string
	clientType string
	sessionID  string
	machineID  string

	member *hub.Connection

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	pingMu       sync.Mutex
	pingInterval time.Duration
	pingTimeout  time.Duration
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn, pingInterval, pingTimeout time.Duration) *conn {
	c := &conn{
		ws:           ws,
		sid:          uuid.NewString(),
		pendingAck:   make(map[int]chan []json.RawMessage),
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		nextPingAt:   time.Now().Add(pingInterval),
	}
	c.member = &hub.Connection{Writer: c}
	return c
}

// Write and Close make a conn a hub.Writer. Broadcast payloads arrive as
// complete engine.io frames.
func (c *conn) Write(message []byte) error {
	return c.writeText(string(message))
}

func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// writeSocket frames a socket.io payload as an engine.io message.
func (c *conn) writeSocket(payload string) error {
	return c.writeText(string(protocol.EngineMessage) + payload)
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

// pingTick runs on the shared ping ticker. It sends the engine.io ping when
// due and closes the connection when the pong is overdue.
func (c *conn) pingTick(now time.Time) {
	if c.closed.Load() {
		return
	}
	c.pingMu.Lock()
	if c.awaitingPong {
		overdue := now.Sub(c.pingSentAt) > c.pingTimeout
		c.pingMu.Unlock()
		if overdue {
			c.close()
		}
		return
	}
	if now.Before(c.nextPingAt) {
		c.pingMu.Unlock()
		return
	}
	c.awaitingPong = true
	c.pingSentAt = now
	c.nextPingAt = now.Add(c.pingInterval)
	c.pingMu.Unlock()

	// a slow peer must not stall the other subscribers of the ticker
	go func() { _ = c.writeText(string(protocol.EnginePing)) }()
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) ack(namespace string, id *int, args ...any) {
	if id == nil {
		return
	}
	payload, err := protocol.BuildAckPacket(namespace, *id, args...)
	if err != nil {
		return
	}
	_ = c.writeSocket(payload)
}

func (c *conn) emit(event string, arg any) error {
	packet, err := protocol.BuildEventPacket("/", nil, event, arg)
	if err != nil {
		return err
	}
	return c.writeSocket(packet)
}

func (c *conn) emitWithAck(event string, arg any, timeout time.Duration) ([]json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	drop := func() {
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
	}

	packet, err := protocol.BuildEventPacket("/", &id, event, arg)
	if err != nil {
		drop()
		return nil, err
	}
	if err := c.writeSocket(packet); err != nil {
		drop()
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-t.C:
		drop()
		return nil, errAckTimeout
	}
}

func (c *conn) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- args:
	default:
	}
}
