// Package session owns the physical WebSocket channel per client: handshake,
// heartbeat, graceful and abrupt disconnect, and reconnection resume
// requests. The broadcast engine references connections only by identifier.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AtharvaSarada/Dashboard-analytics/internal/broadcast"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/config"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/metrics"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/registry"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/stream"
)

var (
	errFull    = broadcast.ErrQueueFull
	errUnknown = broadcast.ErrUnknownConn
)

// Coordinator is the slice of the broadcast engine the manager drives.
type Coordinator interface {
	ConnectionOpened(connID string)
	ConnectionClosed(connID string)
	Ack(connID, topic string, seq int64)
	RequestReplay(connID, topic string, seq int64)
}

// Manager creates and destroys connections and implements broadcast.Sender.
type Manager struct {
	cfg     config.SessionConfig
	reg     *registry.Registry
	coord   Coordinator
	logger  *zap.Logger
	metrics *metrics.Registry

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn

	wg sync.WaitGroup

	// OnSocketClosed, when set, runs once per socket teardown. Used by the
	// transport layer to release admission slots. Set before serving.
	OnSocketClosed func()
}

// NewManager creates a connection lifecycle manager.
func NewManager(cfg config.SessionConfig, reg *registry.Registry, coord Coordinator, logger *zap.Logger, m *metrics.Registry) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		reg:     reg,
		coord:   coord,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the upstream gateway; the core accepts
			// whatever it forwards.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// SetCoordinator installs the broadcast engine. Must be called before
// serving; the manager and engine reference each other, so one side is wired
// after construction.
func (m *Manager) SetCoordinator(coord Coordinator) {
	m.coord = coord
}

// HandleUpgrade upgrades the HTTP request and runs the handshake. The
// principal must already be validated upstream and arrives via the
// X-Principal header (or a "principal" query parameter). A non-nil error
// means no connection was created; callers holding an admission slot must
// release it themselves.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	principal := r.Header.Get("X-Principal")
	if principal == "" {
		principal = r.URL.Query().Get("principal")
	}

	sock, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.handshakeFailure("upgrade", err)
		return err
	}

	c := &Conn{
		id:        uuid.NewString(),
		principal: principal,
		sock:      sock,
		mgr:       m,
		send:      make(chan []byte, m.cfg.SendQueueSize),
		closing:   make(chan []byte, 1),
		done:      make(chan struct{}),
	}
	c.setState(StateConnecting)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runHandshake(c)
	}()
	return nil
}

// runHandshake reads and validates the hello message, registers the
// subscription (including any resume points) and starts the pumps.
func (m *Manager) runHandshake(c *Conn) {
	c.setState(StateHandshaking)
	_ = c.sock.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	c.sock.SetReadLimit(m.cfg.MaxMessageSize)

	_, raw, err := c.sock.ReadMessage()
	if err != nil {
		m.rejectHandshake(c, "timeout", "no hello message received")
		return
	}

	var hello clientMessage
	if err := unmarshalStrictHello(raw, &hello); err != nil {
		m.rejectHandshake(c, "malformed", err.Error())
		return
	}

	if err := validateHello(hello); err != nil {
		m.rejectHandshake(c, "invalid", err.Error())
		return
	}

	m.reg.Subscribe(c.id, hello.Topics, hello.Resume)

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ConnectionsActive.Inc()
	}

	_ = c.sock.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := c.sock.WriteMessage(websocket.TextMessage, encodeWelcome(c.id, hello.Topics)); err != nil {
		m.remove(c, "welcome write failed")
		return
	}

	c.setState(StateActive)
	m.logger.Info("connection established",
		zap.String("connection_id", c.id),
		zap.String("principal", c.principal),
		zap.Strings("topics", hello.Topics),
		zap.Int("resume_points", len(hello.Resume)))

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		c.writePump(m.cfg.HeartbeatInterval, m.cfg.WriteTimeout)
	}()
	go func() {
		defer m.wg.Done()
		c.readPump(m.cfg.HeartbeatInterval, m.cfg.MaxMessageSize)
	}()

	m.coord.ConnectionOpened(c.id)
}

func unmarshalStrictHello(raw []byte, hello *clientMessage) error {
	if err := json.Unmarshal(raw, hello); err != nil {
		return fmt.Errorf("hello parse: %w", err)
	}
	if hello.Type != msgHello {
		return fmt.Errorf("expected %q message, got %q", msgHello, hello.Type)
	}
	return nil
}

func validateHello(hello clientMessage) error {
	if len(hello.Topics) == 0 {
		return fmt.Errorf("hello lists no topics")
	}
	topics := make(map[string]struct{}, len(hello.Topics))
	for _, t := range hello.Topics {
		if !stream.IsValidTopic(t) {
			return fmt.Errorf("invalid topic %q", t)
		}
		topics[t] = struct{}{}
	}
	for topic, seq := range hello.Resume {
		if _, ok := topics[topic]; !ok {
			return fmt.Errorf("resume point for unsubscribed topic %q", topic)
		}
		if seq < 0 {
			return fmt.Errorf("negative resume sequence %d for topic %q", seq, topic)
		}
	}
	return nil
}

func (m *Manager) rejectHandshake(c *Conn, reason, detail string) {
	m.handshakeFailure(reason, fmt.Errorf("%s", detail))
	_ = c.sock.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	_ = c.sock.WriteMessage(websocket.TextMessage, encodeError(detail))
	_ = c.sock.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	c.shutdown()
}

func (m *Manager) handshakeFailure(reason string, err error) {
	m.logger.Debug("handshake failed", zap.String("reason", reason), zap.Error(err))
	if m.metrics != nil {
		m.metrics.HandshakeFailures.WithLabelValues(reason).Inc()
	}
}

// handleClientMessage dispatches a decoded control message from readPump.
func (m *Manager) handleClientMessage(c *Conn, msg clientMessage) {
	switch msg.Type {
	case msgAck:
		if msg.Topic != "" && msg.Seq > 0 {
			m.coord.Ack(c.id, msg.Topic, msg.Seq)
		}
	case msgSubscribe:
		topics := validTopics(msg.Topics)
		if len(topics) == 0 {
			return
		}
		m.reg.Subscribe(c.id, topics, nil)
		m.coord.ConnectionOpened(c.id)
	case msgUnsubscribe:
		m.reg.Drop(c.id, msg.Topics)
	case msgReplay:
		if msg.Topic != "" && msg.Since >= 0 {
			m.coord.RequestReplay(c.id, msg.Topic, msg.Since)
		}
	default:
		m.logger.Debug("unknown client message type",
			zap.String("connection_id", c.id),
			zap.String("type", msg.Type))
	}
}

func validTopics(topics []string) []string {
	out := topics[:0:0]
	for _, t := range topics {
		if stream.IsValidTopic(t) {
			out = append(out, t)
		}
	}
	return out
}

// Enqueue implements broadcast.Sender.
func (m *Manager) Enqueue(connID string, payload []byte) error {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return errUnknown
	}
	if err := c.enqueue(payload); err != nil {
		return err
	}
	return nil
}

// Disconnect implements broadcast.Sender: force-close a connection, e.g. a
// lagging consumer past its grace period. The close frame goes through
// writePump, the socket's only writer; engine and registry state is torn down
// immediately.
func (m *Manager) Disconnect(connID string, reason string) {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	c.setState(StateDraining)
	c.requestClose(websocket.ClosePolicyViolation, reason)
	m.deregister(c, reason)
}

// remove transitions a connection to Closed, destroys its subscription and
// tells the engine to forget it. Idempotent.
func (m *Manager) remove(c *Conn, reason string) {
	m.deregister(c, reason)
	c.shutdown()
}

// deregister drops the connection from the manager, registry and engine
// without touching the socket. Idempotent.
func (m *Manager) deregister(c *Conn, reason string) {
	m.mu.Lock()
	_, present := m.conns[c.id]
	delete(m.conns, c.id)
	m.mu.Unlock()

	if present {
		if m.metrics != nil {
			m.metrics.ConnectionsActive.Dec()
		}
		m.reg.Unsubscribe(c.id)
		m.coord.ConnectionClosed(c.id)
		m.logger.Info("connection closed",
			zap.String("connection_id", c.id),
			zap.String("reason", reason))
	}
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Shutdown drains all connections: each writePump sends a going-away close
// frame and exits, tearing its socket down. Blocks until pumps exit or ctx
// expires; stragglers are then closed abruptly.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.setState(StateDraining)
		c.requestClose(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, c := range conns {
			m.remove(c, "shutdown")
		}
	}
}
