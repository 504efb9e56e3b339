// Package ingest adapts backend event streams into the source adapter.
// Events are published by the API/CRUD layer on NATS subjects
// <prefix>.<topic>; the payload carries the metric fields.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/AtharvaSarada/Dashboard-analytics/internal/config"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/metrics"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/stream"
)

// natsEvent is the published payload. The topic normally comes from the
// subject suffix; an explicit field wins if both are present.
type natsEvent struct {
	Topic  string         `json:"topic,omitempty"`
	Fields map[string]any `json:"fields"`
	// TS is epoch milliseconds; zero means "now".
	TS int64 `json:"ts,omitempty"`
}

// NATSSource subscribes to the metric subjects and feeds accepted events into
// the pipeline.
type NATSSource struct {
	cfg     config.NATSConfig
	logger  *zap.Logger
	metrics *metrics.Registry
	ingest  stream.IngestFunc

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSSource connects and subscribes. Reconnection is delegated to the
// client's built-in handlers.
func NewNATSSource(cfg config.NATSConfig, ingest stream.IngestFunc, logger *zap.Logger, m *metrics.Registry) (*NATSSource, error) {
	s := &NATSSource{cfg: cfg, logger: logger, metrics: m, ingest: ingest}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats error", zap.Error(err))
			if m != nil {
				m.IngestSourceErrors.Inc()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	s.conn = conn

	subject := cfg.SubjectPrefix + ".>"
	sub, err := conn.Subscribe(subject, s.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	s.sub = sub

	logger.Info("nats ingest subscribed",
		zap.String("url", cfg.URL),
		zap.String("subject", subject))
	return s, nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	var ev natsEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Debug("malformed nats event", zap.String("subject", msg.Subject), zap.Error(err))
		if s.metrics != nil {
			s.metrics.IngestSourceErrors.Inc()
		}
		return
	}

	topic := ev.Topic
	if topic == "" {
		topic = strings.TrimPrefix(msg.Subject, s.cfg.SubjectPrefix+".")
	}

	var ts time.Time
	if ev.TS != 0 {
		ts = time.UnixMilli(ev.TS)
	}

	if err := s.ingest(topic, ev.Fields, ts); err != nil {
		// Validation failures are the producer's problem; log and move on so
		// one bad publisher degrades only its own stream.
		s.logger.Debug("nats event rejected",
			zap.String("subject", msg.Subject),
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// Close unsubscribes and drains the connection.
func (s *NATSSource) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
