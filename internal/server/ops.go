package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/linkedge/linkedge/internal/observability"
)

func buildOpsServer(hc *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/startz", hc.StartzHandler())
	mux.Handle("/healthz", hc.HealthzHandler())
	mux.Handle("/readyz", hc.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// grpcHealth publishes grpc.health.v1 status for the whole process ("") and
// for the "linkedge" service name.
type grpcHealth struct {
	srv      *health.Server
	interval time.Duration
}

const grpcServiceName = "linkedge"

func buildGRPCHealth() (*grpc.Server, *grpcHealth) {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	h := &grpcHealth{srv: health.NewServer(), interval: time.Second}
	healthpb.RegisterHealthServer(gs, h.srv)
	h.set(false)
	return gs, h
}

func (h *grpcHealth) set(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(grpcServiceName, status)
}

// connectedSource is the slice of stream.Client the health service follows.
type connectedSource interface {
	Connected() bool
}

// follow mirrors the stream connection state until ctx is done.
func (h *grpcHealth) follow(ctx context.Context, src connectedSource) {
	last := src.Connected()
	h.set(last)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if now := src.Connected(); now != last {
				last = now
				h.set(now)
			}
		}
	}
}

func (h *grpcHealth) shutdown() { h.srv.Shutdown() }
