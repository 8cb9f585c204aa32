package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fisheyepano/internal/logging"
)

// PipelineService is the health service name reporting the stitching run.
const PipelineService = "fisheyepano.Pipeline"

// Health serves the standard gRPC health protocol. The overall status and
// PipelineService start as NOT_SERVING.
type Health struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewHealth creates a health server for addr.
func NewHealth(addr string, log *slog.Logger) *Health {
	h := &Health{
		addr:   addr,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    logging.OrDefault(log),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.SetServing(false)
	return h
}

// SetServing flips the reported status of the pipeline.
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(PipelineService, status)
}

// Start listens on the configured address and serves until ctx is done.
func (h *Health) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	return h.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.grpc.GracefulStop()
	}()
	h.log.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := h.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
