package api

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"copytrade-core/pkg/logger"
)

// EngineService is the service name reported by the health endpoint.
const EngineService = "copytrade.Engine"

// HealthServer exposes the standard grpc health service for orchestrators.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	log    *logrus.Entry
}

func NewHealthServer(log *logger.Logger) *HealthServer {
	h := &HealthServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		log:    log.WithComponent("grpc"),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the engine status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(EngineService, status)
}

// Serve listens on addr until ctx is done.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", addr, err)
	}
	return h.ServeListener(ctx, lis)
}

func (h *HealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		h.log.WithField("addr", lis.Addr().String()).Info("grpc health listening")
		errCh <- h.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		h.health.Shutdown()
		h.srv.GracefulStop()
		return nil
	}
}
