package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// #region metrics-server
// serveMetrics exposes the default registry on /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("Metrics listening", slog.String("addr", addr))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// #endregion metrics-server

// #region health-server
// healthService reports SERVING while the controller accepts feedback.
type healthService struct {
	srv *health.Server
}

func newHealth() *healthService {
	return &healthService{srv: health.NewServer()}
}

func (h *healthService) serve(ctx context.Context, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h.srv)
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Info("Health listening", slog.String("addr", addr))

	errc := make(chan error, 1)
	go func() { errc <- gs.Serve(lis) }()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	h.shutdown()
	gs.GracefulStop()
	return nil
}

// shutdown flips every service to NOT_SERVING. Safe to call repeatedly.
func (h *healthService) shutdown() {
	h.srv.Shutdown()
}

// #endregion health-server
