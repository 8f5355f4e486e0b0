package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported by the gRPC health check.
const HealthServiceName = "chatrelay"

const defaultHealthInterval = 30 * time.Second

// Pinger checks that ledger storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig configures a HealthServer.
type HealthConfig struct {
	Ledger  LedgerReader
	Storage Pinger
	// LowWatermark is the balance below which the relay reports NOT_SERVING.
	LowWatermark int64
	Interval     time.Duration
	Logger       *slog.Logger
}

// HealthServer exposes grpc.health.v1 with a status that follows the ledger:
// SERVING while storage answers and credits remain above the watermark.
type HealthServer struct {
	server    *grpc.Server
	health    *health.Server
	ledger    LedgerReader
	storage   Pinger
	watermark int64
	interval  time.Duration
	logger    *slog.Logger
}

// NewHealthServer creates a HealthServer.
func NewHealthServer(cfg HealthConfig) *HealthServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	h := &HealthServer{
		server:    grpc.NewServer(),
		health:    health.NewServer(),
		ledger:    cfg.Ledger,
		storage:   cfg.Storage,
		watermark: cfg.LowWatermark,
		interval:  cfg.Interval,
		logger:    cfg.Logger,
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	return h
}

// Refresh evaluates the ledger and updates the reported status.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	remaining := h.ledger.Remaining()

	if h.storage != nil {
		if err := h.storage.Ping(ctx); err != nil {
			h.logger.Warn("Ledger storage health check failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if remaining <= h.watermark {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	h.health.SetServingStatus(HealthServiceName, status)
	h.health.SetServingStatus("", status)
	return status
}

// Watch refreshes the status every interval until ctx is done.
func (h *HealthServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.logger.Info("Health watcher started", "interval", h.interval, "low_watermark", h.watermark)

	last := h.Refresh(ctx)
	for {
		select {
		case <-ticker.C:
			status := h.Refresh(ctx)
			if status != last {
				h.logger.Info("Health status changed",
					"status", status.String(),
					"credits_remaining", h.ledger.Remaining())
				last = status
			}
		case <-ctx.Done():
			h.logger.Info("Health watcher shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Serve runs the gRPC server on lis until ctx is done.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
		errCh <- h.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		h.health.Shutdown()
		h.server.GracefulStop()
		return nil
	}
}
