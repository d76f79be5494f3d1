// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	hconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "finagent-platform/internal/api/http"
	"finagent-platform/internal/app"
	"finagent-platform/internal/orchestrator"
	"finagent-platform/internal/storage/cache"
	"finagent-platform/internal/worker"
	"finagent-platform/internal/worker/analysts"
	"finagent-platform/pkg/config"
	"finagent-platform/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用。控制面：接收分析作业、查询状态、取消；
// store.type=memory 时同进程兼任数据面（进程内 Executor），
// store.type=postgres 时默认只做控制面，由独立 Worker 进程消费队列
type App struct {
	config       *config.Config
	logger       *log.Logger
	store        orchestrator.Store
	planner      *orchestrator.Planner
	sweeper      *orchestrator.Sweeper
	executor     *worker.Executor
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	statCache    cache.Store
	closeStore   func()
	closeQueue   func()
	execCancel   context.CancelFunc
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(cfg *config.Config, logger *log.Logger) (*App, error) {
	ctx := context.Background()

	store, closeStore, err := app.NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	q, closeQueue, err := app.NewQueue(ctx, cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	planner := orchestrator.NewPlanner(store, q, logger.Component("planner"), app.PlannerConfigFromConfig(cfg))

	sweepInterval := config.Duration(cfg.Orchestrator.SweepInterval, 10*time.Second)
	sweeper := orchestrator.NewSweeper(store, planner, sweepInterval, logger.Component("sweeper"))

	statCache, err := cache.NewCache(cfg.Cache)
	if err != nil {
		closeQueue()
		closeStore()
		return nil, fmt.Errorf("初始化状态缓存失败: %w", err)
	}

	appObj := &App{
		config:     cfg,
		logger:     logger,
		store:      store,
		planner:    planner,
		sweeper:    sweeper,
		statCache:  statCache,
		closeStore: closeStore,
		closeQueue: closeQueue,
	}

	// 进程内 Executor：memory 后端默认开启（否则没人消费队列），postgres/redis 默认关闭
	executorEnabled := cfg.Store.Type == "" || cfg.Store.Type == "memory"
	if cfg.Worker.Enabled != nil {
		executorEnabled = *cfg.Worker.Enabled
	}
	if executorEnabled {
		registry := worker.NewRegistry()
		analysts.RegisterAll(registry, app.NewLLMClient(cfg))
		appObj.executor = worker.NewExecutor(q, store, planner, registry, logger.Component("executor"), worker.ExecutorConfig{
			ID:          "api-inproc",
			Concurrency: cfg.Worker.Concurrency,
			PollWait:    config.Duration(cfg.Worker.PollInterval, 2*time.Second),
			Visibility:  config.Duration(cfg.Orchestrator.VisibilityTimeout, 5*time.Minute),
			DequeueQPS:  cfg.Worker.DequeueQPS,
		})
		logger.Info("进程内 Executor 已启用")
	}

	return appObj, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与进程日志配置对齐
	output := os.Stdout
	if a.config.Log.File != "" {
		f, err := os.OpenFile(a.config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch a.config.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	serverOpts := []hconfig.Option{server.WithHostPorts(addr)}
	var tracerCfg *hertztracing.Config
	if a.config.Monitoring.Tracing.Enable {
		serviceName := a.config.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "finagent-api"
		}
		exportEndpoint := a.config.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.config.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, cfg := hertztracing.NewServerTracer()
			serverOpts = append(serverOpts, tracerOpt)
			tracerCfg = cfg
			a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		}
	}
	a.hertz = server.New(serverOpts...)
	if tracerCfg != nil {
		a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
	}

	cacheTTL := config.Duration(a.config.Cache.TTL, 10*time.Minute)
	handler := apihttp.NewHandler(a.planner, a.store, a.statCache, cacheTTL)
	apihttp.RegisterRoutes(a.hertz, handler)

	sweepEnabled := true
	if a.config.Orchestrator.SweepEnabled != nil {
		sweepEnabled = *a.config.Orchestrator.SweepEnabled
	}
	if sweepEnabled {
		a.sweeper.Start(context.Background())
	}
	if a.executor != nil {
		execCtx, cancel := context.WithCancel(context.Background())
		a.execCancel = cancel
		a.executor.Start(execCtx)
	}

	a.hertz.Spin()
	return nil
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.executor != nil {
		if a.execCancel != nil {
			a.execCancel()
		}
		a.executor.Stop()
	}
	a.sweeper.Stop()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	var err error
	if a.hertz != nil {
		err = a.hertz.Shutdown(ctx)
	}
	if a.statCache != nil {
		_ = a.statCache.Close()
	}
	a.closeQueue()
	a.closeStore()
	return err
}
