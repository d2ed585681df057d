// =============================================================================
// StreamGate 主入口
// =============================================================================
// 多源流式合流服务入口，包含 fan-in 端点、健康检查、Prometheus 指标
//
// 使用方法:
//
//	streamgate serve                                   # 启动服务
//	streamgate serve --config config.yaml              # 指定配置文件
//	streamgate replay --request r1 --source a --file capture.sse
//	streamgate version                                 # 显示版本信息
//	streamgate health                                  # 健康检查
// =============================================================================

// @title StreamGate API
// @version 1.0.0
// @description StreamGate multiplexes concurrent LLM provider streams into one SSE or WebSocket connection.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/streamgate/config"
	"github.com/BaSui01/streamgate/internal/telemetry"
	"github.com/BaSui01/streamgate/llm/streaming"
	"github.com/BaSui01/streamgate/llm/streaming/redisrelay"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting StreamGate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	server := NewServer(cfg, logger, otelProviders)
	if err := server.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	logger.Info("StreamGate stopped")
}

// =============================================================================
// ⏪ replay 命令
// =============================================================================

// runReplay 把抓取的 SSE 文件按块发布到一个源的中继频道，
// 用于在没有真实 provider 的情况下驱动 fan-in 会话。
func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	requestID := fs.String("request", "", "Request ID the source belongs to")
	sourceID := fs.String("source", "", "Source ID to publish as")
	file := fs.String("file", "", "Captured SSE stream to replay")
	chunkSize := fs.Int("chunk", 0, "Chunk size in bytes (default: stream.read_chunk_size)")
	interval := fs.Duration("interval", 0, "Delay between chunks")
	_ = fs.Parse(args)

	if *requestID == "" || *sourceID == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "replay requires --request, --source and --file")
		os.Exit(2)
	}

	cfg := mustLoadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := replay(ctx, cfg, *requestID, *sourceID, *file, *chunkSize, *interval, logger); err != nil {
		logger.Error("replay failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Println("OK")
}

func replay(ctx context.Context, cfg *config.Config, requestID, sourceID, path string, chunkSize int, interval time.Duration, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	client, err := redisrelay.NewClient(ctx, redisConfig(cfg.Redis))
	if err != nil {
		return err
	}
	defer client.Close()

	if chunkSize <= 0 {
		chunkSize = cfg.Stream.ReadChunkSize
	}
	// 发布的同时在本地解码一份，用于汇总
	summary := streaming.NewConsumer(streaming.WithConsumerLogger(logger))
	up := streaming.FromReader(io.TeeReader(f, summary.Writer()), chunkSize)
	if interval > 0 {
		up = throttle(up, interval)
	}

	channel := redisrelay.ChannelName(cfg.Stream.ChannelPrefix, requestID, sourceID)
	logger.Info("replaying capture",
		zap.String("file", path),
		zap.String("channel", channel),
		zap.Int("chunk_size", chunkSize),
	)
	if err := redisrelay.NewPublisher(client, logger).Relay(ctx, channel, up); err != nil {
		return err
	}

	summary.Close()
	for key, e := range summary.Snapshot() {
		logger.Info("replayed channel",
			zap.String("channel_key", key),
			zap.Int("deltas", e.Deltas),
			zap.Int("chars", len(e.Text)),
		)
	}
	return nil
}

// throttle 在每个块之前等待 interval
func throttle(up streaming.Upstream, interval time.Duration) streaming.Upstream {
	return streaming.UpstreamFunc(func(ctx context.Context) ([]byte, error) {
		t := time.NewTimer(interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		return up.Next(ctx)
	})
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("StreamGate %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`StreamGate - LLM stream fan-in gateway

Usage:
  streamgate <command> [options]

Commands:
  serve     Start the StreamGate server
  replay    Publish a captured SSE stream to a relay channel
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'replay':
  --config <path>      Path to configuration file (YAML)
  --request <id>       Request ID
  --source <id>        Source ID
  --file <path>        Captured SSE stream
  --chunk <bytes>      Chunk size (default: stream.read_chunk_size)
  --interval <dur>     Delay between chunks, e.g. 20ms

Examples:
  streamgate serve
  streamgate serve --config /etc/streamgate/config.yaml
  streamgate replay --request req-1 --source gpt --file gpt.sse --interval 20ms
  streamgate health --addr http://localhost:8080
  streamgate version`)
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

func mustLoadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func redisConfig(rc config.RedisConfig) redisrelay.Config {
	return redisrelay.Config{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
	}
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
