package grpc

import (
	"context"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"negotiation-chat/internal/observability"
)

// ServiceName is the health service name reported for the chat engine.
const ServiceName = "negotiation.chat"

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthServer reports readiness over the standard gRPC health protocol.
// The service is SERVING only while every check passes.
type HealthServer struct {
	server *ggrpc.Server
	health *health.Server
	checks map[string]Check
	log    *zap.Logger

	mu     sync.Mutex
	failed map[string]bool
}

func NewHealthServer(checks map[string]Check, log *zap.Logger) *HealthServer {
	srv := ggrpc.NewServer(
		ggrpc.StatsHandler(otelgrpc.NewServerHandler()),
		ggrpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{
		server: srv,
		health: hs,
		checks: checks,
		log:    log.With(zap.String("component", "grpc_health")),
		failed: make(map[string]bool),
	}
}

// Probe runs every check once and updates the serving status.
func (h *HealthServer) Probe(ctx context.Context) bool {
	ok := true
	for name, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()
		h.track(name, err)
		if err != nil {
			ok = false
		}
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
	return ok
}

// track logs transitions only.
func (h *HealthServer) track(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	was := h.failed[name]
	switch {
	case err != nil && !was:
		h.log.Warn("dependency unhealthy", zap.String("check", name), zap.Error(err))
	case err == nil && was:
		h.log.Info("dependency recovered", zap.String("check", name))
	}
	h.failed[name] = err != nil
}

// Run probes on interval until ctx is done.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	h.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

func (h *HealthServer) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// Stop marks the service as shutting down and drains in-flight calls.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
