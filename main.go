package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PGateway/global/config"
	"PGateway/logger"
	"PGateway/middleware"
	"PGateway/service/gateway"
	"PGateway/service/kafka"
	"PGateway/service/localbus"
	"PGateway/service/metrics"
	"PGateway/service/natsx"
	"PGateway/service/rpc"
	"PGateway/service/storage"
	redisx "PGateway/service/storage/redis"
	"PGateway/tools/safe"
	tsec "PGateway/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	// Version 构建时通过 ldflags 注入
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "pgateway",
	Short:         "Multi-instance real-time notification gateway",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a gateway instance",
	Long: `Run a gateway instance: HTTP + websocket on --http-addr, gRPC health on
grpc_addr, optional Kafka ingestion. Configuration comes from the YAML file
given by --config, overridden by GW_* environment variables and flags.`,
	RunE: runServe,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the gRPC health status of a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		st, err := rpc.Check(cmd.Context(), rpc.CheckConfig{Target: addr, Service: rpc.ServiceName})
		if err != nil {
			return err
		}
		fmt.Println(st.String())
		if st != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("instance at %s is %s", addr, st)
		}
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pgateway %s (%s)\n", Version, Commit))

	serveCmd.Flags().String("config", "", "path to YAML config file")
	serveCmd.Flags().String("http-addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("instance-id", "", "instance id (overrides config)")
	healthCmd.Flags().String("addr", "127.0.0.1:50052", "gRPC address of the instance")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("instance-id"); v != "" {
		cfg.InstanceID = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON}); err != nil {
		return err
	}
	log := logger.Log.With(zap.String("instance", cfg.InstanceID))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// 1) 会话存储（可选）：Redis 不可达时照常启动，在线查询降级
	var store gateway.SessionStore
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redisx.NewClient(ctx, redisx.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			log.Warn("redis unavailable at startup", zap.Error(err))
		}
		store = storage.NewOnlineStore(rdb, storage.OnlineConfig{
			TTL: cfg.HeartbeatInterval() * time.Duration(cfg.Conn.HeartbeatMissedThreshold),
		}, log.Named("store"))
	}

	// 2) Broker
	broker, err := newBroker(cfg, log)
	if err != nil {
		return err
	}

	// 3) HTTP 引擎、身份校验、准入流水线
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	if err := middleware.TrustProxies(engine, cfg.TrustedProxies); err != nil {
		_ = broker.Close()
		return fmt.Errorf("trusted proxies: %w", err)
	}
	verifier, err := tsec.NewJWTVerifier(tsec.Options{Secret: []byte(cfg.Admission.JWTSecret), Alg: cfg.Admission.JWTAlg})
	if err != nil {
		return err
	}
	pipeline := middleware.NewPipeline(middleware.Options{
		AllowedOrigins: cfg.AllowedOrigin,
		BodyLimit:      cfg.Admission.BodySizeLimit,
		RateWindow:     cfg.RateLimitWindow(),
		RateMax:        cfg.Admission.RateLimitMax,
		Verifier:       verifier,
		Exempt:         cfg.Admission.AuthExempt,
		Logger:         log.Named("admission"),
		OnReject:       m.AdmissionRejected,
	})
	pipeline.Limiter().Start()

	// 4) 网关
	gw, err := gateway.New(gateway.Deps{Conf: cfg, Log: log, Store: store, Broker: broker, Metrics: m})
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		log.Warn("gateway started degraded", zap.Error(err))
	}

	engine.Use(gin.Recovery())
	gw.Mount(engine, pipeline)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	safe.Go(log, "http", func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	})

	// 5) gRPC 健康检查
	health := rpc.NewHealthServer(log)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
	}
	safe.Go(log, "grpc", func() {
		if err := health.Serve(lis); err != nil {
			errCh <- err
		}
	})
	safe.Go(log, "grpc.watch", func() { health.Watch(ctx, time.Second, gw.Accepting) })

	// 6) Kafka 事件接入（可选）
	var ingestor *kafka.Ingestor
	if cfg.KafkaEnabled() {
		ingestor, err = kafka.NewIngestor(kafka.IngestConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.Group,
			Topics:  cfg.Kafka.Topics,
		}, gw, m, log)
		if err != nil {
			log.Warn("kafka ingestion disabled", zap.Error(err))
		} else {
			safe.Go(log, "kafka", func() { ingestor.Run(ctx) })
		}
	}

	log.Info("gateway running", zap.String("version", Version), zap.String("broker", cfg.Broker.Kind))
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed, shutting down", zap.Error(err))
	}

	// 收尾顺序：先摘流量，再排空连接，最后释放依赖
	health.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace()+5*time.Second)
	defer cancel()
	if ingestor != nil {
		_ = ingestor.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown", zap.Error(err))
	}
	_ = broker.Close()
	pipeline.Limiter().Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	health.Stop()
	log.Info("shutdown complete")
	return nil
}

func newBroker(cfg *config.Config, log *zap.Logger) (gateway.Broker, error) {
	idem := natsx.NatsxIdemMiddleware(natsx.NewMemIdem(cfg.Conn.DedupeWindow*16, time.Minute))
	switch cfg.Broker.Kind {
	case config.BrokerMemory:
		return localbus.New(0, log.Named("localbus")).Connect(cfg.InstanceID, idem), nil
	default:
		nm, err := natsx.NewNatsManager(natsx.NatsxConfig{
			Servers:    []string{cfg.BrokerURL()},
			Name:       "pgateway-" + cfg.InstanceID,
			Origin:     cfg.InstanceID,
			Credential: cfg.Broker.Credential,
		}, log.Named("nats"), idem)
		if err != nil {
			return nil, err
		}
		return nm, nil
	}
}
