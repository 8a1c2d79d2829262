package rpc

import (
	"context"
	"time"

	"PGateway/tools/errs"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type CheckConfig struct {
	Target  string        // gRPC 地址
	Service string        // 空表示整个进程
	Timeout time.Duration // 单次检查超时
	Dial    []grpc.DialOption
}

// Check 查询一个运行中实例的健康状态
func Check(ctx context.Context, cfg CheckConfig) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, cfg.Dial...)
	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, errs.WrapMsg(err, "dial", "target", cfg.Target)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: cfg.Service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, errs.WrapMsg(err, "health check", "target", cfg.Target)
	}
	return resp.GetStatus(), nil
}
