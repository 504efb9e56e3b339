package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State tracks a connection through its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Conn owns the physical duplex channel for one client. The outbound queue
// has a single writer (writePump); the broadcast engine only ever touches it
// through Manager.Enqueue.
type Conn struct {
	id        string
	principal string
	sock      *websocket.Conn
	mgr       *Manager

	send chan []byte
	// closing carries at most one prepared close frame; writePump writes it
	// and exits, so the socket never sees two concurrent writers.
	closing chan []byte
	done    chan struct{}

	state     atomic.Int32
	closeOnce sync.Once
}

// ID returns the connection identifier assigned at handshake.
func (c *Conn) ID() string { return c.id }

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// enqueue places a payload on the outbound queue without blocking.
func (c *Conn) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errUnknown
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errUnknown
	default:
		return errFull
	}
}

// requestClose hands a close frame to writePump, the socket's only writer.
// Duplicate requests are dropped.
func (c *Conn) requestClose(code int, reason string) {
	select {
	case c.closing <- websocket.FormatCloseMessage(code, reason):
	default:
	}
}

// shutdown moves the connection to Closed exactly once. Queued-but-undelivered
// outbound data is discarded with the send channel; there is no resurrection
// without a fresh handshake.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		_ = c.sock.Close()
		if c.mgr.OnSocketClosed != nil {
			c.mgr.OnSocketClosed()
		}
	})
}

// writePump is the single writer for the socket. It serializes outbound
// batches and sends heartbeat pings on a fixed interval while the connection
// is active.
func (c *Conn) writePump(heartbeat, writeTimeout time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		c.mgr.remove(c, "write pump exit")
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.closing:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.sock.WriteMessage(websocket.CloseMessage, msg)
			return
		case payload := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.mgr.logger.Debug("write failed",
					zap.String("connection_id", c.id),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.mgr.logger.Debug("heartbeat failed",
					zap.String("connection_id", c.id),
					zap.Error(err))
				return
			}
		}
	}
}

// readPump consumes client control messages (ack, subscribe, unsubscribe,
// replay) and keeps the liveness deadline fresh. Two missed heartbeats blow
// the read deadline and close the connection.
func (c *Conn) readPump(heartbeat time.Duration, maxMessageSize int64) {
	defer c.mgr.remove(c, "read pump exit")

	pongWait := 2 * heartbeat
	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.mgr.logger.Debug("read failed",
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
			return
		}
		// Any traffic proves liveness.
		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.mgr.logger.Debug("malformed client message",
				zap.String("connection_id", c.id),
				zap.Error(err))
			continue
		}
		c.mgr.handleClientMessage(c, msg)
	}
}
