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

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"finagent-platform/internal/app"
	"finagent-platform/internal/orchestrator"
	workerexec "finagent-platform/internal/worker"
	"finagent-platform/internal/worker/analysts"
	"finagent-platform/pkg/config"
	"finagent-platform/pkg/log"
)

// App Worker 应用：数据面进程。消费 Dispatch Queue、执行分析 Agent、
// 通过 Planner 上报终态推进 Job。要求与 API 进程配置同一组 Store/Queue 后端
type App struct {
	config     *config.Config
	logger     *log.Logger
	executor   *workerexec.Executor
	sweeper    *orchestrator.Sweeper
	closeStore func()
	closeQueue func()
	execCancel context.CancelFunc
}

// NewApp 创建新的 Worker 应用
func NewApp(cfg *config.Config) (*App, error) {
	logCfg := &log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	if cfg.Store.Type == "" || cfg.Store.Type == "memory" {
		return nil, fmt.Errorf("独立 Worker 进程需要共享后端，store.type 不能为 memory")
	}

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

	registry := workerexec.NewRegistry()
	analysts.RegisterAll(registry, app.NewLLMClient(cfg))

	executor := workerexec.NewExecutor(q, store, planner, registry, logger.Component("executor"), workerexec.ExecutorConfig{
		ID:          "worker-" + uuid.New().String()[:8],
		Concurrency: cfg.Worker.Concurrency,
		PollWait:    config.Duration(cfg.Worker.PollInterval, 2*time.Second),
		Visibility:  config.Duration(cfg.Orchestrator.VisibilityTimeout, 5*time.Minute),
		DequeueQPS:  cfg.Worker.DequeueQPS,
	})

	appObj := &App{
		config:     cfg,
		logger:     logger,
		executor:   executor,
		closeStore: closeStore,
		closeQueue: closeQueue,
	}

	// sweep 幂等，Worker 侧默认关闭，多实例部署时由 API 或指定一台 Worker 开启
	if cfg.Orchestrator.SweepEnabled != nil && *cfg.Orchestrator.SweepEnabled {
		sweepInterval := config.Duration(cfg.Orchestrator.SweepInterval, 10*time.Second)
		appObj.sweeper = orchestrator.NewSweeper(store, planner, sweepInterval, logger.Component("sweeper"))
	}
	return appObj, nil
}

// Run 启动消费循环
func (a *App) Run() error {
	a.logger.Info("Worker 服务启动", "concurrency", a.config.Worker.Concurrency)
	execCtx, cancel := context.WithCancel(context.Background())
	a.execCancel = cancel
	a.executor.Start(execCtx)
	if a.sweeper != nil {
		a.sweeper.Start(context.Background())
	}
	return nil
}

// Shutdown 优雅关闭：停止拉取、等待在途任务、释放连接
func (a *App) Shutdown(ctx context.Context) error {
	if a.execCancel != nil {
		a.execCancel()
	}
	a.executor.Stop()
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	a.closeQueue()
	a.closeStore()
	a.logger.Info("Worker 服务已退出")
	return nil
}
