// Package grpc serves the standard gRPC health service for the evolver.
package grpc

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/saltfish/freqsearch/go-evolver/internal/orchestrator"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "freqsearch.evolver.v1.Evolver"

// DefaultSyncInterval is how often the run state is copied into the health service.
const DefaultSyncInterval = time.Second

// StatusSource reports the run state.
type StatusSource interface {
	Status() orchestrator.Status
}

// Server is a gRPC server exposing grpc.health.v1 and server reflection. A run that is in
// progress reports SERVING; an idle or stopped one reports NOT_SERVING.
type Server struct {
	source   StatusSource
	interval time.Duration
	logger   *zap.Logger

	health     *health.Server
	grpcServer *grpc.Server

	last     healthpb.HealthCheckResponse_ServingStatus
	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new gRPC health server.
func NewServer(source StatusSource, interval time.Duration, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	s := &Server{
		source:     source,
		interval:   interval,
		logger:     logger,
		health:     health.NewServer(),
		grpcServer: grpc.NewServer(),
		last:       healthpb.HealthCheckResponse_UNKNOWN,
		stop:       make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.sync()
	return s
}

// Start listens on address and serves until Stop is called.
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	go s.watch()

	s.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

func (s *Server) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sync()
		}
	}
}

// sync copies the current run state into the health service.
func (s *Server) sync() {
	state := s.source.Status().State
	status := servingStatus(state)
	if status != s.last {
		s.logger.Info("Health status changed",
			zap.String("run_state", string(state)),
			zap.String("status", status.String()),
		)
		s.last = status
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func servingStatus(state orchestrator.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == orchestrator.StateRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	})
}
