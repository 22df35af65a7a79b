// Package rpc 提供 gRPC 健康检查，按模型报告服务状态
package rpc

import (
	"context"
	"fmt"
	"net"

	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/monitor"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const modelServicePrefix = "model/"

// ModelService is the health service name reported for a model id.
func ModelService(id string) string {
	return modelServicePrefix + id
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

func NewServer() *Server {
	hs := health.NewServer()
	s := grpc.NewServer(grpc.UnaryInterceptor(countRequests))
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)
	return &Server{grpc: s, health: hs}
}

func countRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	monitor.RequestsTotal.WithLabelValues("grpc", status.Code(err).String()).Inc()
	return resp, err
}

func (s *Server) ModelLoaded(id string) {
	s.health.SetServingStatus(ModelService(id), healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) ModelUnloaded(id string) {
	s.health.SetServingStatus(ModelService(id), healthpb.HealthCheckResponse_NOT_SERVING)
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Start listens on port and serves in the background.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log := logger.Named("rpc")
	go func() {
		log.Info("gRPC server listening", zap.String("addr", addr))
		if err := s.grpc.Serve(lis); err != nil {
			log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
