package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/streamgate/api/handlers"
	"github.com/BaSui01/streamgate/config"
	"github.com/BaSui01/streamgate/internal/metrics"
	"github.com/BaSui01/streamgate/internal/server"
	"github.com/BaSui01/streamgate/internal/telemetry"
	"github.com/BaSui01/streamgate/llm/streaming/redisrelay"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 StreamGate 的主服务器
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers

	// 指标命名空间，测试中替换以避免重复注册
	namespace string

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 中继
	redisClient redis.UniversalClient

	// Handlers
	healthHandler *handlers.HealthHandler
	fanInHandler  *handlers.FanInHandler

	metricsCollector *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: providers,
		namespace: "streamgate",
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 连接 Redis 并启动 HTTP 与 Metrics 服务器
func (s *Server) Start(ctx context.Context) error {
	client, err := redisrelay.NewClient(ctx, redisConfig(s.cfg.Redis))
	if err != nil {
		return fmt.Errorf("failed to connect relay: %w", err)
	}

	handler, err := s.buildHandler(client)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	s.httpManager = server.NewManager(handler,
		server.FromServerConfig(s.cfg.Server, s.cfg.Server.HTTPPort), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("redis", s.cfg.Redis.Addr),
	)
	return nil
}

// buildHandler 组装 handlers、路由与中间件链
func (s *Server) buildHandler(client redis.UniversalClient) (http.Handler, error) {
	s.redisClient = client
	s.metricsCollector = metrics.NewCollector(s.namespace, s.logger)

	fanInCfg, err := handlers.FanInConfigFrom(s.cfg.Stream)
	if err != nil {
		return nil, err
	}

	opener := redisrelay.NewOpener(client, s.cfg.Stream.ChannelPrefix, s.cfg.Stream.IdleTimeout, s.logger)
	s.fanInHandler = handlers.NewFanInHandler(opener, fanInCfg, s.logger,
		handlers.WithStreamMetrics(s.metricsCollector),
		handlers.WithFanInTracer(s.telemetry.Tracer("streamgate/streaming")),
	)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))

	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 流式端点
	mux.HandleFunc("/v1/stream/fanin", s.fanInHandler.HandleSSE)
	mux.HandleFunc("GET /v1/stream/fanin/ws", s.fanInHandler.HandleWebSocket)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	return Chain(mux, middlewares...), nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux,
		server.FromServerConfig(s.cfg.Server, s.cfg.Server.MetricsPort), s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号或服务器异常，然后优雅关闭
func (s *Server) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var httpErrs, metricsErrs <-chan error
	if s.httpManager != nil {
		httpErrs = s.httpManager.Errors()
	}
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	case err := <-httpErrs:
		s.logger.Error("HTTP server exited unexpectedly", zap.Error(err))
	case err := <-metricsErrs:
		s.logger.Error("metrics server exited unexpectedly", zap.Error(err))
	}

	s.Shutdown(context.Background())
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("Starting graceful shutdown...")

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 先关闭 HTTP，进行中的会话在超时后被取消
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			s.logger.Error("Redis client close error", zap.Error(err))
		}
	}

	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
