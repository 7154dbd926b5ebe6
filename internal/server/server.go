// Package server exposes the standard gRPC health service so orchestrators can
// probe the process without going through the HTTP gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/voicequeue/internal/breaker"
)

// Service names reported by the health server. The empty name is the overall status.
const (
	ServiceQueue         = "voicequeue.Queue"
	ServiceLanguageModel = "voicequeue.LanguageModel"
)

var ErrServerStopped = errors.New("grpc server stopped")

// Config for the health endpoint. Port 0 disables it.
type Config struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Server wraps a grpc.Server that only serves grpc.health.v1.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	cfg    Config
	log    *zap.Logger

	mu      sync.Mutex
	stopped bool
}

// NewServer builds the server and registers it as a listener on breakers: the
// language model service reports NOT_SERVING while breakerName is open.
func NewServer(cfg Config, breakers *breaker.Registry, breakerName string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		health: health.NewServer(),
		cfg:    cfg,
		log:    logger.Named("grpc"),
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceQueue, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceLanguageModel, healthpb.HealthCheckResponse_SERVING)

	if breakers != nil {
		if breakers.Get(breakerName).State() == breaker.StateOpen {
			s.health.SetServingStatus(ServiceLanguageModel, healthpb.HealthCheckResponse_NOT_SERVING)
		}
		breakers.OnStateChange(func(name string, _, to breaker.State) {
			if name != breakerName {
				return
			}
			s.setLanguageModel(to)
		})
	}
	return s
}

func (s *Server) setLanguageModel(state breaker.State) {
	st := healthpb.HealthCheckResponse_SERVING
	if state == breaker.StateOpen {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceLanguageModel, st)
	s.log.Info("language model health changed",
		zap.String("breaker_state", state.String()),
		zap.String("status", st.String()))
}

// SetQueueServing flips the queue service, called when the controller starts and stops.
func (s *Server) SetQueueServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceQueue, st)
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("rpc",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("latency", time.Since(start)))
	return resp, err
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.mu.Unlock()

	s.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured port.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING, then stops gracefully within the
// shutdown timeout. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("graceful stop timed out, forcing")
		s.grpc.Stop()
		<-done
	}
}
