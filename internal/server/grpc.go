package server

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves the standard health service for orchestrators and
// load balancers. Ledger operations are not exposed over gRPC.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer creates the server in NOT_SERVING state.
func NewGRPCServer(addr string, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// SetServing flips the overall health status.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Start serves until ctx is cancelled, then stops gracefully.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Start on an existing listener.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
