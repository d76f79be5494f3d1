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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"finagent-platform/internal/queue"
	"finagent-platform/pkg/log"
	"finagent-platform/pkg/metrics"
)

// casRetryLimit CAS 冲突时重读重决的次数上限；冲突方极少（同 Job 的并发终态上报），
// 超限说明存储异常而非正常竞争
const casRetryLimit = 4

// PlannerConfig Planner 重试与超时策略
type PlannerConfig struct {
	MaxAttempts         int           // Task 最大执行次数（含首次），<=0 默认 3
	BackoffBase         time.Duration // 重试 backoff 基值，默认 1s
	BackoffCap          time.Duration // backoff 上限，默认 60s
	DefaultTaskDeadline time.Duration // 单次执行截止时长，默认 2m
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.DefaultTaskDeadline <= 0 {
		c.DefaultTaskDeadline = 2 * time.Minute
	}
	return c
}

// Planner Job/Task 状态转移的唯一决策者：创建 Job、派发消息、消化终态事件、
// 判定 Job 完成或失败。自身无状态，全部状态走 Store CAS，多实例可并存
type Planner struct {
	store  Store
	queue  queue.Queue
	agg    *Aggregator
	config PlannerConfig
	logger *log.Logger
}

// NewPlanner 创建 Planner
func NewPlanner(store Store, q queue.Queue, logger *log.Logger, config PlannerConfig) *Planner {
	return &Planner{
		store:  store,
		queue:  q,
		agg:    NewAggregator(),
		config: config.withDefaults(),
		logger: logger,
	}
}

// Submit 校验并创建 Job 及其 Task 集合（原子），随后逐一入队；不等待执行，立即返回 jobID。
// 入队失败的 Task 保持 Pending，由后台 sweep 补派发
func (p *Planner) Submit(ctx context.Context, input json.RawMessage, required []WorkerKind, optional []WorkerKind) (string, error) {
	if len(required) == 0 {
		return "", fmt.Errorf("%w: required workers must not be empty", ErrInvalidRequest)
	}
	seen := make(map[WorkerKind]bool, len(required)+len(optional))
	for _, k := range append(append([]WorkerKind{}, required...), optional...) {
		if !KnownKind(k) {
			return "", fmt.Errorf("%w: unknown worker kind %q", ErrInvalidRequest, k)
		}
		if seen[k] {
			return "", fmt.Errorf("%w: duplicate worker kind %q", ErrInvalidRequest, k)
		}
		seen[k] = true
	}

	now := time.Now()
	job := &Job{
		ID:              "job-" + uuid.New().String(),
		Input:           input,
		RequiredWorkers: append([]WorkerKind(nil), required...),
		OptionalWorkers: append([]WorkerKind(nil), optional...),
		State:           JobPending,
		CreatedAt:       now,
	}
	tasks := make([]*Task, 0, len(required)+len(optional))
	newTask := func(k WorkerKind, opt bool) *Task {
		return &Task{
			ID:       "task-" + uuid.New().String(),
			JobID:    job.ID,
			Worker:   k,
			Payload:  input,
			State:    TaskPending,
			Attempt:  1,
			Optional: opt,
			Deadline: now.Add(p.config.DefaultTaskDeadline),
		}
	}
	for _, k := range required {
		tasks = append(tasks, newTask(k, false))
	}
	for _, k := range optional {
		tasks = append(tasks, newTask(k, true))
	}

	if err := p.store.CreateJobWithTasks(ctx, job, tasks); err != nil {
		return "", err
	}
	for _, t := range tasks {
		if err := p.Redispatch(ctx, t, 0); err != nil {
			// Task 留在 Pending，sweep 会重试入队
			p.logger.Warn("任务入队失败，等待 sweep 补派发", "task_id", t.ID, "worker", t.Worker, "error", err)
		}
	}
	if err := p.store.UpdateJobState(ctx, job.ID, JobPending, JobUpdate{State: JobDispatched}); err != nil && !errors.Is(err, ErrStaleState) {
		p.logger.Warn("Job 状态推进失败", "job_id", job.ID, "error", err)
	}
	return job.ID, nil
}

// Redispatch 为一次 Task 尝试生成新消息入队（delay 为 backoff 延迟），
// 成功后把 Task 推到 Enqueued。Submit、重试与 sweep 共用
func (p *Planner) Redispatch(ctx context.Context, t *Task, delay time.Duration) error {
	msg := &queue.Message{
		ID:         "msg-" + uuid.New().String(),
		TaskID:     t.ID,
		JobID:      t.JobID,
		WorkerKind: string(t.Worker),
		Payload:    t.Payload,
		Attempt:    t.Attempt,
		EnqueuedAt: time.Now(),
	}
	if err := p.queue.Enqueue(ctx, msg, delay); err != nil {
		return err
	}
	err := p.store.UpdateTaskState(ctx, t.ID, TaskPending, TaskUpdate{State: TaskEnqueued})
	if err != nil && !errors.Is(err, ErrStaleState) {
		return err
	}
	// ErrStaleState：并发 sweep 已推进，消息重复无碍（at-least-once + attempt 校验兜底）
	return nil
}

// OnTaskTerminal 消化一次 Task 终态报告（Executor 或 deadline sweep 上报）。
// 幂等：已终态 Task 的再次上报记为 duplicate，不产生任何状态变化。
// 失败且预算未尽时重置回 Pending 并带 backoff 重新入队；否则落终态，再重估 Job
func (p *Planner) OnTaskTerminal(ctx context.Context, taskID string, out Outcome) error {
	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		p.logger.Warn("终态报告指向不存在的 Task", "task_id", taskID)
		return nil
	}
	if t.State.Terminal() {
		p.logger.Info("重复的终态报告，忽略", "task_id", taskID, "state", t.State.String())
		return nil
	}
	if out.Attempt != 0 && out.Attempt != t.Attempt {
		p.logger.Info("过期 attempt 的终态报告，忽略", "task_id", taskID, "reported", out.Attempt, "current", t.Attempt)
		return nil
	}

	switch out.State {
	case TaskSucceeded:
		if err := p.casTerminal(ctx, t, TaskUpdate{State: TaskSucceeded, Output: out.Output}); err != nil {
			return err
		}
		metrics.TaskAttemptTotal.WithLabelValues(string(t.Worker), "succeeded").Inc()
	case TaskFailed:
		if out.Permanent || t.Attempt >= p.config.MaxAttempts {
			if err := p.casTerminal(ctx, t, TaskUpdate{State: TaskFailed, Error: out.Err}); err != nil {
				return err
			}
			label := "failed_transient"
			if out.Permanent {
				label = "failed_permanent"
			}
			metrics.TaskAttemptTotal.WithLabelValues(string(t.Worker), label).Inc()
		} else {
			if err := p.retryTask(ctx, t, out.Err); err != nil {
				return err
			}
			metrics.TaskAttemptTotal.WithLabelValues(string(t.Worker), "failed_transient").Inc()
			metrics.TaskRetryTotal.WithLabelValues(string(t.Worker)).Inc()
			// 重试不触发 Job 重估：Task 仍未终态
			return nil
		}
	default:
		return fmt.Errorf("%w: outcome state %s is not terminal", ErrInvalidRequest, out.State)
	}

	return p.evaluateJob(ctx, t.JobID)
}

// casTerminal 把 Task 推到终态；CAS 冲突时重读重决，若对方已先落终态则视为重复上报
func (p *Planner) casTerminal(ctx context.Context, t *Task, up TaskUpdate) error {
	expect := t.State
	for i := 0; i < casRetryLimit; i++ {
		err := p.store.UpdateTaskState(ctx, t.ID, expect, up)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStaleState) {
			return err
		}
		metrics.StaleConflictTotal.Inc()
		cur, err := p.store.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur == nil || cur.State.Terminal() {
			p.logger.Info("终态已由并发方写入，忽略本次上报", "task_id", t.ID)
			return nil
		}
		expect = cur.State
	}
	return fmt.Errorf("task %s: terminal CAS exceeded retry limit", t.ID)
}

// retryTask 预算未尽的失败：attempt+1 重置回 Pending，backoff 后派发新消息
func (p *Planner) retryTask(ctx context.Context, t *Task, reason string) error {
	delay := RetryBackoff(p.config.BackoffBase, p.config.BackoffCap, t.Attempt)
	now := time.Now()
	up := TaskUpdate{
		State:     TaskPending,
		Attempt:   t.Attempt + 1,
		Error:     reason,
		NotBefore: now.Add(delay),
		Deadline:  now.Add(delay + p.config.DefaultTaskDeadline),
	}
	err := p.store.UpdateTaskState(ctx, t.ID, t.State, up)
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			metrics.StaleConflictTotal.Inc()
			// 并发方已推进（重复上报或已终态），由其负责后续派发
			p.logger.Info("重试竞争失败，已由并发方处理", "task_id", t.ID)
			return nil
		}
		return err
	}
	retried := *t
	retried.Attempt = t.Attempt + 1
	p.logger.Info("任务重试", "task_id", t.ID, "worker", t.Worker, "attempt", retried.Attempt, "backoff", delay.String())
	if err := p.Redispatch(ctx, &retried, delay); err != nil {
		p.logger.Warn("重试入队失败，等待 sweep 补派发", "task_id", t.ID, "error", err)
	}
	return nil
}

// evaluateJob 按当前 Task 集合重估 Job：
// 必需 Task 终态失败 → Job 失败一次（首个观察到的失败生效，后续失败只记录）；
// 全部 Task 终态且必需全成功 → 聚合并 Completed；
// 部分终态 → PartiallyComplete。CAS 冲突即重读重决
func (p *Planner) evaluateJob(ctx context.Context, jobID string) error {
	for i := 0; i < casRetryLimit; i++ {
		job, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil || job.State.Terminal() {
			return nil
		}
		tasks, err := p.store.ListTasksForJob(ctx, jobID)
		if err != nil {
			return err
		}

		var failedRequired []*Task
		allTerminal := true
		anyTerminal := false
		for _, t := range tasks {
			if t.State.Terminal() {
				anyTerminal = true
			} else {
				allTerminal = false
			}
			if t.State == TaskFailed && !t.Optional {
				failedRequired = append(failedRequired, t)
			}
		}

		switch {
		case len(failedRequired) > 0:
			err = p.store.UpdateJobState(ctx, jobID, job.State, JobUpdate{
				State:          JobFailed,
				FailureSummary: failureSummary(failedRequired),
				CompletedAt:    time.Now(),
			})
			if err == nil {
				p.finishJob(job, JobFailed)
				return nil
			}
		case allTerminal:
			var result json.RawMessage
			result, err = p.agg.Aggregate(job, tasks)
			if err != nil {
				// 不变量被破坏：绝不吞掉，落为不透明的 Job 失败
				p.logger.Error("聚合不变量被破坏", "job_id", jobID, "error", err)
				err = p.store.UpdateJobState(ctx, jobID, job.State, JobUpdate{
					State:          JobFailed,
					FailureSummary: "internal aggregation failure",
					CompletedAt:    time.Now(),
				})
				if err == nil {
					p.finishJob(job, JobFailed)
					return ErrIncompleteAggregation
				}
				break
			}
			err = p.store.UpdateJobState(ctx, jobID, job.State, JobUpdate{
				State:       JobCompleted,
				Result:      result,
				CompletedAt: time.Now(),
			})
			if err == nil {
				p.finishJob(job, JobCompleted)
				return nil
			}
		case anyTerminal && job.State == JobDispatched:
			err = p.store.UpdateJobState(ctx, jobID, JobDispatched, JobUpdate{State: JobPartiallyComplete})
			if err == nil {
				return nil
			}
		default:
			return nil
		}

		if errors.Is(err, ErrStaleState) {
			metrics.StaleConflictTotal.Inc()
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: evaluation CAS exceeded retry limit", jobID)
}

func (p *Planner) finishJob(job *Job, state JobState) {
	metrics.JobTotal.WithLabelValues(state.String()).Inc()
	metrics.JobDuration.WithLabelValues(state.String()).Observe(time.Since(job.CreatedAt).Seconds())
	p.logger.Info("Job 终态", "job_id", job.ID, "state", state.String())
}

func failureSummary(failed []*Task) string {
	parts := make([]string, 0, len(failed))
	for _, t := range failed {
		parts = append(parts, fmt.Sprintf("%s: %s", t.Worker, t.Error))
	}
	return "required workers failed: " + strings.Join(parts, "; ")
}

// Cancel 尽力取消：非终态 Task 全部置为失败（原因 cancelled），Job 置 Failed。
// 已 Completed 的 Job 为 no-op（非错误）；在途执行不强杀，其迟到的终态报告会被幂等丢弃
func (p *Planner) Cancel(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: job %s", ErrInvalidRequest, jobID)
	}
	if job.State.Terminal() {
		return nil
	}
	tasks, err := p.store.ListTasksForJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State.Terminal() {
			continue
		}
		if err := p.casTerminal(ctx, t, TaskUpdate{State: TaskFailed, Error: "cancelled"}); err != nil {
			return err
		}
	}
	for i := 0; i < casRetryLimit; i++ {
		cur, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if cur == nil || cur.State.Terminal() {
			return nil
		}
		err = p.store.UpdateJobState(ctx, jobID, cur.State, JobUpdate{
			State:          JobFailed,
			FailureSummary: "cancelled",
			CompletedAt:    time.Now(),
		})
		if err == nil {
			p.finishJob(cur, JobFailed)
			return nil
		}
		if !errors.Is(err, ErrStaleState) {
			return err
		}
		metrics.StaleConflictTotal.Inc()
	}
	return fmt.Errorf("job %s: cancel CAS exceeded retry limit", jobID)
}
