// Package server provides gRPC server lifecycle management.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/solatis/pointsflow/internal/core/api"
	"github.com/solatis/pointsflow/internal/core/auth"
	"github.com/solatis/pointsflow/internal/core/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const shutdownTimeout = 30 * time.Second

// GRPCServer manages gRPC server lifecycle.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	config config.ServerConfig
	logger *slog.Logger
}

// NewGRPCServer creates the server with auth, timeout and logging
// interceptors and registers the rule engine and health services.
func NewGRPCServer(cfg config.ServerConfig, service api.RuleEngineServer, authenticator *auth.Authenticator, logger *slog.Logger) (*GRPCServer, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(logger),
			skipHealth(authenticator.UnaryInterceptor()),
			timeoutInterceptor(cfg.RequestTimeout),
		),
	}
	if cfg.MaxConnections > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(cfg.MaxConnections)))
	}

	server := grpc.NewServer(opts...)
	api.RegisterRuleEngineServer(server, service)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(api.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &GRPCServer{
		server: server,
		health: healthServer,
		config: cfg,
		logger: logger,
	}, nil
}

// Start binds the configured address and serves until Shutdown.
func (s *GRPCServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener.
func (s *GRPCServer) Serve(listener net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", listener.Addr().String())
	return s.server.Serve(listener)
}

// Shutdown marks the server not serving and stops it gracefully, forcing a
// stop when ctx ends or after 30 seconds.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(shutdownTimeout):
		s.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

// skipHealth lets health probes through without an API key.
func skipHealth(next grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	prefix := "/" + grpc_health_v1.Health_ServiceDesc.ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, prefix) {
			return handler(ctx, req)
		}
		return next(ctx, req, info, handler)
	}
}

func timeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if timeout <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, req)
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		attrs := []any{
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		}
		if err != nil {
			logger.Warn("gRPC request failed", append(attrs, "error", err)...)
		} else {
			logger.Debug("gRPC request", attrs...)
		}
		return resp, err
	}
}
