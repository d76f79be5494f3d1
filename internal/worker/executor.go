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
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"finagent-platform/internal/orchestrator"
	"finagent-platform/internal/queue"
	"finagent-platform/pkg/log"
	"finagent-platform/pkg/metrics"
)

// Reporter Task 终态上报入口；由 orchestrator.Planner 实现
type Reporter interface {
	OnTaskTerminal(ctx context.Context, taskID string, out orchestrator.Outcome) error
}

// ExecutorConfig Executor 运行参数
type ExecutorConfig struct {
	ID          string        // 实例标识，进 executor_busy gauge
	Concurrency int           // 并发执行数，<=0 默认 2
	PollWait    time.Duration // 单次 Dequeue 最长等待，默认 2s
	Visibility  time.Duration // 续期窗口，默认 5m
	ExtendEvery time.Duration // 可见性续期周期，默认 Visibility/3
	DequeueQPS  float64       // Dequeue 速率上限，<=0 不限
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.ID == "" {
		c.ID = "executor"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollWait <= 0 {
		c.PollWait = 2 * time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = 5 * time.Minute
	}
	if c.ExtendEvery <= 0 {
		c.ExtendEvery = c.Visibility / 3
	}
	return c
}

// Executor 消费循环：认领消息 → 解析 worker → deadline 下执行 → 分类上报。
// 瞬态失败上报但不 Ack（重派发由新 attempt 消息承接，旧消息靠 attempt 失配回收）；
// 永久失败立即 Ack 并上报，避免对确定坏掉的任务无谓重投
type Executor struct {
	queue    queue.Queue
	store    orchestrator.Store
	reporter Reporter
	registry *Registry
	config   ExecutorConfig
	logger   *log.Logger

	limiter chan struct{}
	rate    *rate.Limiter
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewExecutor 创建 Executor
func NewExecutor(q queue.Queue, store orchestrator.Store, reporter Reporter, registry *Registry, logger *log.Logger, config ExecutorConfig) *Executor {
	config = config.withDefaults()
	e := &Executor{
		queue:    q,
		store:    store,
		reporter: reporter,
		registry: registry,
		config:   config,
		logger:   logger,
		limiter:  make(chan struct{}, config.Concurrency),
		stopCh:   make(chan struct{}),
	}
	if config.DequeueQPS > 0 {
		e.rate = rate.NewLimiter(rate.Limit(config.DequeueQPS), 1)
	}
	return e
}

// Start 启动消费循环
func (e *Executor) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case e.limiter <- struct{}{}:
				if e.rate != nil {
					if err := e.rate.Wait(ctx); err != nil {
						<-e.limiter
						return
					}
				}
				msg, err := e.queue.Dequeue(ctx, e.config.PollWait)
				if err != nil && !errors.Is(err, context.Canceled) {
					e.logger.Warn("Dequeue 失败", "error", err)
				}
				if msg == nil {
					<-e.limiter
					continue
				}
				// handle 入 wg：循环 goroutine 自身持有计数，此处 Add 与 Stop 的 Wait 不竞争
				e.wg.Add(1)
				go func(m *queue.Message) {
					defer e.wg.Done()
					defer func() { <-e.limiter }()
					e.handle(m)
				}(msg)
			}
		}
	}()
}

// Stop 优雅退出：停止拉取，等待在途执行（含可见性续期 goroutine）结束
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Executor) handle(msg *queue.Message) {
	ctx := context.Background()
	t, err := e.store.GetTask(ctx, msg.TaskID)
	if err != nil {
		e.logger.Warn("读取 Task 失败，等待重投", "task_id", msg.TaskID, "error", err)
		return
	}
	// 陈旧消息：Task 不存在、已终态、或 attempt 已被新尝试superseded → 直接消化
	if t == nil || t.State.Terminal() || t.Attempt != msg.Attempt {
		_ = e.queue.Ack(ctx, msg.ID)
		return
	}
	if !e.claim(ctx, t) {
		// 并发认领或孤儿 Running：不执行也不 Ack，交给可见性窗口与 deadline sweep
		return
	}

	metrics.ExecutorBusy.WithLabelValues(e.config.ID).Inc()
	defer metrics.ExecutorBusy.WithLabelValues(e.config.ID).Dec()

	contract, ok := e.registry.Resolve(t.Worker)
	if !ok {
		_ = e.queue.Ack(ctx, msg.ID)
		e.report(ctx, t.ID, orchestrator.Outcome{
			State: orchestrator.TaskFailed, Err: "unknown worker kind: " + string(t.Worker), Permanent: true, Attempt: msg.Attempt,
		})
		return
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if !t.Deadline.IsZero() {
		execCtx, cancel = context.WithDeadline(ctx, t.Deadline)
		defer cancel()
	}
	stopKeeper := e.keepVisible(msg.ID)
	out, execErr := contract.Execute(execCtx, msg.Payload)
	stopKeeper()

	switch {
	case execErr == nil:
		_ = e.queue.Ack(ctx, msg.ID)
		e.report(ctx, t.ID, orchestrator.Outcome{State: orchestrator.TaskSucceeded, Output: out, Attempt: msg.Attempt})
	case IsPermanent(execErr):
		_ = e.queue.Ack(ctx, msg.ID)
		e.report(ctx, t.ID, orchestrator.Outcome{State: orchestrator.TaskFailed, Err: execErr.Error(), Permanent: true, Attempt: msg.Attempt})
	default:
		// 瞬态（含 deadline 超时）：不 Ack；上报后由 Planner 的预算决定重试
		e.report(ctx, t.ID, orchestrator.Outcome{State: orchestrator.TaskFailed, Err: execErr.Error(), Attempt: msg.Attempt})
	}
}

// claim 把 Task 占为 Running。Enqueued→Running 是常规路径；Pending→Running 覆盖
// 入队标记失败后消息已送达的场景。两者都失败说明另有执行方或状态已推进
func (e *Executor) claim(ctx context.Context, t *orchestrator.Task) bool {
	err := e.store.UpdateTaskState(ctx, t.ID, orchestrator.TaskEnqueued, orchestrator.TaskUpdate{State: orchestrator.TaskRunning})
	if err == nil {
		return true
	}
	if !errors.Is(err, orchestrator.ErrStaleState) {
		e.logger.Warn("认领 Task 失败", "task_id", t.ID, "error", err)
		return false
	}
	err = e.store.UpdateTaskState(ctx, t.ID, orchestrator.TaskPending, orchestrator.TaskUpdate{State: orchestrator.TaskRunning})
	return err == nil
}

// keepVisible 执行期间周期续期消息可见性，执行结束后停止
func (e *Executor) keepVisible(msgID string) func() {
	done := make(chan struct{})
	var once sync.Once
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.ExtendEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := e.queue.ExtendVisibility(context.Background(), msgID, e.config.Visibility); err != nil {
					e.logger.Warn("可见性续期失败", "msg_id", msgID, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (e *Executor) report(ctx context.Context, taskID string, out orchestrator.Outcome) {
	if err := e.reporter.OnTaskTerminal(ctx, taskID, out); err != nil {
		e.logger.Error("终态上报失败", "task_id", taskID, "error", err)
	}
}
