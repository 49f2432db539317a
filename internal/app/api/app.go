// Package api 装配队列管理器的 HTTP 应用：路由、交付管道、后台循环
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "github.com/ahelme/comfyume-v1/internal/api/http"
	"github.com/ahelme/comfyume-v1/internal/app"
	"github.com/ahelme/comfyume-v1/internal/delivery"
	"github.com/ahelme/comfyume-v1/internal/queue"
	"github.com/ahelme/comfyume-v1/internal/ws"
	"github.com/ahelme/comfyume-v1/pkg/config"
)

// otelProviderShutdown 优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	bootstrap    *app.Bootstrap
	router       *apihttp.Router
	hertz        *server.Hertz
	hub          *ws.Hub
	reaper       *queue.Reaper
	otelProvider otelProviderShutdown
	cancelBg     context.CancelFunc
}

// NewApp 创建 API 应用（由 cmd/queue-manager 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	dispatcher := queue.NewDispatcher(bootstrap.Store, queue.DispatcherConfig{
		Mode:         queue.Mode(cfg.Queue.Mode),
		MaxDepth:     cfg.Queue.MaxDepth,
		HeartbeatTTL: config.Duration(cfg.Queue.HeartbeatTTL, time.Minute),
	}, bootstrap.Logger)

	// serverless 模式必有直发管道（Validate 保证端点非空），队列模式提交一律入队
	var pipeline *delivery.Pipeline
	if cfg.Serverless.Mode == "serverless" {
		if cfg.Serverless.Endpoint == "" {
			return nil, fmt.Errorf("serverless mode requires an endpoint")
		}
		client := delivery.NewClient(cfg.Serverless.Endpoint, cfg.Serverless.APIKey, bootstrap.Logger)
		pipeline = delivery.NewPipeline(client, delivery.Config{
			Strategy:            cfg.Serverless.Delivery,
			SFSOutputDir:        cfg.Serverless.SFSOutputDir,
			OutputsPath:         cfg.Storage.OutputsPath,
			PollInterval:        config.Duration(cfg.Serverless.SFSPollInterval, 3*time.Second),
			SettleTime:          config.Duration(cfg.Serverless.SFSSettleTime, 2*time.Second),
			MaxWait:             config.Duration(cfg.Serverless.MaxWait, 10*time.Minute),
			HistoryPollInterval: config.Duration(cfg.Serverless.HistoryPollInterval, 2*time.Second),
			HistoryPollTimeout:  config.Duration(cfg.Serverless.HistoryPollTimeout, 10*time.Second),
		}, bootstrap.Logger)
		bootstrap.Logger.Info("direct dispatch enabled",
			"endpoint", cfg.Serverless.Endpoint, "delivery", pipeline.Strategy())
	}

	hub := ws.NewHub(bootstrap.Store, bootstrap.Logger)
	handler := apihttp.NewHandler(dispatcher, bootstrap.Store, pipeline, cfg.Serverless.Mode, bootstrap.Logger)
	router := apihttp.NewRouter(handler, apihttp.NewWSHandler(hub, bootstrap.Logger))

	reaper := queue.NewReaper(
		bootstrap.Store,
		config.Duration(cfg.Queue.ReaperInterval, time.Minute),
		config.Duration(cfg.Queue.JobTimeout, time.Hour),
		bootstrap.Logger,
	)

	return &App{
		bootstrap: bootstrap,
		router:    router,
		hub:       hub,
		reaper:    reaper,
	}, nil
}

// Run 启动 HTTP 服务与后台循环，addr 如 ":3000"
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("queue manager starting", "addr", addr, "queue_mode", cfg.Queue.Mode)

	// Hertz 框架日志与应用日志对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			output = f
		}
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选链路追踪
	if cfg.Monitoring.Tracing && cfg.Monitoring.OTLPEndpoint != "" {
		serviceName := cfg.Monitoring.ServiceName
		if serviceName == "" {
			serviceName = "queue-manager"
		}
		p := provider.NewOpenTelemetryProvider(
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(cfg.Monitoring.OTLPEndpoint),
			provider.WithInsecure(),
		)
		a.otelProvider = p
		tracerOpt, tracerCfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
		a.bootstrap.Logger.Info("tracing enabled",
			"service_name", serviceName, "endpoint", cfg.Monitoring.OTLPEndpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}

	bg, cancel := context.WithCancel(context.Background())
	a.cancelBg = cancel
	a.reaper.Start(bg)
	a.hub.Start(bg)

	return a.hertz.Run()
}

// Shutdown 优雅关闭（ctx 带超时）
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancelBg != nil {
		a.cancelBg()
	}
	a.reaper.Stop()
	a.hub.Stop()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	return a.bootstrap.Close()
}
