package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/AtharvaSarada/Dashboard-analytics/internal/broadcast"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/config"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/guard"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/ingest"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/logging"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/metrics"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/registry"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/session"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/stream"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	m := metrics.NewRegistry()
	reg := registry.New()

	source := stream.NewSource(cfg.Stream.StalenessBound, m)
	windower := stream.NewWindower(stream.WindowConfig{
		Duration:      cfg.Stream.WindowDuration,
		MaxRecords:    cfg.Stream.WindowMaxRecords,
		IdleHeartbeat: cfg.Stream.IdleHeartbeat,
		HardCap:       cfg.Stream.BufferHardCap,
	}, logger, m)

	manager := session.NewManager(cfg.Session, reg, nil, logger, m)
	engine := broadcast.New(broadcast.Config{
		RetainedBatches: cfg.Stream.RetainedBatches,
		RetryInterval:   cfg.Stream.RetryInterval,
		LaggingGrace:    cfg.Stream.LaggingGrace,
	}, reg, manager, logger, m)
	manager.SetCoordinator(engine)

	admission := guard.New(guard.Config{
		MaxConnections: cfg.Limits.MaxConnections,
		MemoryFraction: cfg.Limits.MemoryFraction,
		CheckEvery:     cfg.Limits.MemoryCheckEvery,
	}, logger)
	manager.OnSocketClosed = admission.Release

	ingestFn := func(topic string, fields map[string]any, ts time.Time) error {
		rec, err := source.Ingest(topic, fields, ts)
		if err != nil {
			return err
		}
		windower.Offer(rec)
		return nil
	}

	windowCtx, stopWindows := context.WithCancel(context.Background())
	windower.Run(windowCtx)

	engineDone := make(chan struct{})
	go func() {
		engine.Run(context.Background(), windower.Batches())
		close(engineDone)
	}()

	var natsSource *ingest.NATSSource
	if cfg.NATS.Enabled {
		ns, err := ingest.NewNATSSource(cfg.NATS, ingestFn, logger, m)
		if err != nil {
			stopWindows()
			return fmt.Errorf("nats ingest: %w", err)
		}
		natsSource = ns
	}

	server := transport.NewServer(cfg, logger, m, manager, reg, admission, ingestFn)
	serverErr := server.Start()

	var metricsServer *http.Server
	metricsErr := make(chan error, 1)
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Info("metrics server starting", zap.String("addr", cfg.Metrics.ListenAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- err
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("transport server error", zap.Error(err))
		}
	case err := <-metricsErr:
		logger.Error("metrics server error", zap.Error(err))
	}

	// Drain order: stop intake, flush open windows, let the engine enqueue
	// the final batches, then close connections with a close frame.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("transport shutdown error", zap.Error(err))
	}
	if natsSource != nil {
		natsSource.Close()
	}

	stopWindows()
	windower.Wait()
	<-engineDone

	manager.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	return nil
}
