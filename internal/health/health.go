// Package health exposes the gRPC health-checking service for rentdesk and
// keeps the status of the rental service dependency current.
package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RemoteService is the health service name tracking the rental service.
const RemoteService = "rentdesk.remote"

const probeTimeout = 5 * time.Second

// Prober checks a dependency.
type Prober interface {
	Health(ctx context.Context) error
}

// Server serves grpc.health.v1.Health.
type Server struct {
	hs       *health.Server
	grpc     *grpc.Server
	prober   Prober
	interval time.Duration
}

// NewServer creates a health server reporting the process as serving and the
// rental service as unknown until the first probe.
func NewServer(prober Prober, interval time.Duration) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(RemoteService, healthpb.HealthCheckResponse_UNKNOWN)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		hs:       hs,
		grpc:     gs,
		prober:   prober,
		interval: interval,
	}
}

// Health returns the underlying health service.
func (s *Server) Health() healthpb.HealthServer {
	return s.hs
}

// Probe checks the rental service once and records the result.
func (s *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.prober.Health(ctx); err != nil {
		slog.Warn("Rental service health probe failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.hs.SetServingStatus(RemoteService, status)
	return status
}

// StartProbing probes every interval until ctx is done.
func (s *Server) StartProbing(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Probe(ctx)
		for {
			select {
			case <-ticker.C:
				s.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Serve accepts gRPC connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service not serving and stops the gRPC server.
func (s *Server) Stop() {
	s.hs.Shutdown()
	s.grpc.GracefulStop()
}
