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

package orchestrator

import (
	"context"
	"sync"
	"time"

	"finagent-platform/pkg/log"
	"finagent-platform/pkg/metrics"
)

// Sweeper 后台兜底循环：
// 1) 补派发：入队失败而滞留 Pending 的 Task 重新入队；
// 2) 超时回收：Running 超过 deadline 无终态报告的 Task 强制转为瞬态失败，
//    走 Planner 的正常重试预算。
// 两类操作均幂等，多实例同时 sweep 不破坏正确性（CAS 兜底）
type Sweeper struct {
	store    Store
	planner  *Planner
	interval time.Duration
	logger   *log.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper 创建 Sweeper；interval 为扫描周期
func NewSweeper(store Store, planner *Planner, interval time.Duration, logger *log.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		store:    store,
		planner:  planner,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动后台循环
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepPending(ctx)
				s.sweepDeadlines(ctx)
				s.updateGauges(ctx)
			}
		}
	}()
}

// Stop 优雅退出：等待当前扫描结束
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// sweepPending 重新入队滞留的 Pending Task。NotBefore 未到的（backoff 中）跳过；
// UpdatedAt 距今不足一个周期的跳过，避免与正在入队的 Submit/重试竞争
func (s *Sweeper) sweepPending(ctx context.Context) {
	tasks, err := s.store.ListTasksInState(ctx, TaskPending)
	if err != nil {
		s.logger.Warn("sweep 扫描 Pending 失败", "error", err)
		return
	}
	now := time.Now()
	for _, t := range tasks {
		if t.NotBefore.After(now) {
			continue
		}
		if now.Sub(t.UpdatedAt) < s.interval {
			continue
		}
		if err := s.planner.Redispatch(ctx, t, 0); err != nil {
			s.logger.Warn("sweep 补派发失败", "task_id", t.ID, "error", err)
			continue
		}
		metrics.SweepReclaimedTotal.WithLabelValues("enqueue").Inc()
		s.logger.Info("sweep 补派发", "task_id", t.ID, "worker", t.Worker, "attempt", t.Attempt)
	}
}

// sweepDeadlines 把超过 deadline 仍 Running 的 Task 上报为瞬态失败；
// Executor 崩溃或消息丢失时的最终兜底
func (s *Sweeper) sweepDeadlines(ctx context.Context) {
	tasks, err := s.store.ListTasksInState(ctx, TaskRunning)
	if err != nil {
		s.logger.Warn("sweep 扫描 Running 失败", "error", err)
		return
	}
	now := time.Now()
	for _, t := range tasks {
		if t.Deadline.IsZero() || t.Deadline.After(now) {
			continue
		}
		out := Outcome{State: TaskFailed, Err: "task deadline exceeded", Attempt: t.Attempt}
		if err := s.planner.OnTaskTerminal(ctx, t.ID, out); err != nil {
			s.logger.Warn("sweep 超时上报失败", "task_id", t.ID, "error", err)
			continue
		}
		metrics.SweepReclaimedTotal.WithLabelValues("deadline").Inc()
		s.logger.Info("sweep 回收超时任务", "task_id", t.ID, "worker", t.Worker, "attempt", t.Attempt)
	}
}

// updateGauges 刷新状态分布 gauge（Store 实现 ObservabilityReader 时）
func (s *Sweeper) updateGauges(ctx context.Context) {
	reader, ok := s.store.(ObservabilityReader)
	if !ok {
		return
	}
	if counts, err := reader.CountTasksByState(ctx); err == nil {
		metrics.QueueDepth.Set(float64(counts[TaskEnqueued.String()]))
		for state, n := range counts {
			metrics.TaskStateGauge.WithLabelValues(state).Set(float64(n))
		}
	}
	if counts, err := reader.CountJobsByState(ctx); err == nil {
		for state, n := range counts {
			metrics.JobStateGauge.WithLabelValues(state).Set(float64(n))
		}
	}
}
