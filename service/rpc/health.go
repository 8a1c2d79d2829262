package rpc

import (
	"context"
	"net"
	"time"

	"PGateway/logger"
	"PGateway/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 健康检查里的服务名；"" 表示整个进程
const ServiceName = "pgateway.Gateway"

// HealthServer 实例可接入时 SERVING，broker 断开或排空时 NOT_SERVING
type HealthServer struct {
	srv *grpc.Server
	hs  *health.Server
	log *zap.Logger
}

func NewHealthServer(log *zap.Logger) *HealthServer {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	h := &HealthServer{srv: gs, hs: hs, log: logger.OrNop(log).Named("grpc")}
	h.SetServing(false)
	return h
}

// Server 其他 gRPC 服务可以注册到同一个 Server 上
func (h *HealthServer) Server() *grpc.Server { return h.srv }

func (h *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", status)
	h.hs.SetServingStatus(ServiceName, status)
}

// Serve 阻塞，直到 Stop
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := h.srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return errs.WrapMsg(err, "grpc serve")
	}
	return nil
}

// Watch 周期性用 probe 更新状态，ctx 结束时置为 NOT_SERVING
func (h *HealthServer) Watch(ctx context.Context, every time.Duration, probe func() bool) {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	last := probe()
	h.SetServing(last)
	for {
		select {
		case <-ctx.Done():
			h.SetServing(false)
			return
		case <-t.C:
			if cur := probe(); cur != last {
				h.log.Info("serving status changed", zap.Bool("serving", cur))
				h.SetServing(cur)
				last = cur
			}
		}
	}
}

// Stop 先切 NOT_SERVING 再优雅停止
func (h *HealthServer) Stop() {
	h.hs.Shutdown()
	h.srv.GracefulStop()
}
