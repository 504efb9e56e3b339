// Package transport exposes the core over HTTP: the WebSocket upgrade
// endpoint, the ingest boundary for the unmodeled REST layer, and liveness.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/AtharvaSarada/Dashboard-analytics/internal/config"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/guard"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/metrics"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/registry"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/session"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/stream"
)

// Server hosts the application endpoints.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	manager *session.Manager
	reg     *registry.Registry
	guard   *guard.Guard
	limiter *handshakeLimiter
	ingest  stream.IngestFunc

	httpServer *http.Server
	sweepStop  chan struct{}
}

// NewServer wires the HTTP surface.
func NewServer(cfg config.Config, logger *zap.Logger, m *metrics.Registry,
	manager *session.Manager, reg *registry.Registry, g *guard.Guard, ingest stream.IngestFunc) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		manager: manager,
		reg:     reg,
		guard:   g,
		ingest:  ingest,
		limiter: newHandshakeLimiter(
			cfg.Limits.HandshakeRate, cfg.Limits.HandshakeBurst,
			cfg.Limits.PerIPRate, cfg.Limits.PerIPBurst),
		sweepStop: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WSPath, s.handleWS)
	mux.HandleFunc("/api/v1/ingest", s.handleIngest)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Start begins serving. Non-blocking; errors surface on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("transport listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.sweepStop:
				return
			case <-ticker.C:
				s.limiter.sweep(10 * time.Minute)
			}
		}
	}()

	return errCh
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	close(s.sweepStop)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r.RemoteAddr) {
		if s.metrics != nil {
			s.metrics.HandshakesRejected.Inc()
		}
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if !s.guard.Admit() {
		if s.metrics != nil {
			s.metrics.HandshakesRejected.Inc()
		}
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	// The guard slot is released through Manager.OnSocketClosed when the
	// socket is torn down. A failed upgrade never creates a socket, so the
	// slot is handed back here.
	if err := s.manager.HandleUpgrade(w, r); err != nil {
		s.guard.Release()
	}
}

type ingestRequest struct {
	Topic  string         `json:"topic"`
	Fields map[string]any `json:"fields"`
	// TS is epoch milliseconds; zero means "now".
	TS int64 `json:"ts,omitempty"`
}

type ingestResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResponse{Status: "rejected", Reason: "malformed body"})
		return
	}

	var ts time.Time
	if req.TS != 0 {
		ts = time.UnixMilli(req.TS)
	}

	if err := s.ingest(req.Topic, req.Fields, ts); err != nil {
		var verr *stream.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, ingestResponse{Status: "rejected", Reason: verr.Reason})
			return
		}
		if s.metrics != nil {
			s.metrics.IngestSourceErrors.Inc()
		}
		s.logger.Error("ingest failed", zap.String("topic", req.Topic), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Status: "rejected", Reason: "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{Status: "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"connections":   s.manager.Count(),
		"subscriptions": s.reg.Len(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
