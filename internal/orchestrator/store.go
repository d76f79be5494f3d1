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
	"time"
)

var (
	// ErrStaleState CAS 前置状态不匹配；调用方重读当前状态后重新决策，不是致命错误
	ErrStaleState = errors.New("orchestrator: stale state on compare-and-swap")
	// ErrInvalidRequest 提交校验失败，任何记录创建之前拒绝
	ErrInvalidRequest = errors.New("orchestrator: invalid request")
	// ErrIncompleteAggregation 必需 Task 未全部 Succeeded 时触发聚合；属内部不变量被破坏，需大声记录
	ErrIncompleteAggregation = errors.New("orchestrator: aggregation invoked before all required tasks succeeded")
)

// TaskUpdate CAS 成功后写入的字段；Attempt>0、Deadline/NotBefore 非零时才更新对应列
type TaskUpdate struct {
	State     TaskState
	Attempt   int
	Output    json.RawMessage
	Error     string
	Deadline  time.Time
	NotBefore time.Time
}

// JobUpdate CAS 成功后写入的字段
type JobUpdate struct {
	State          JobState
	Result         json.RawMessage
	FailureSummary string
	CompletedAt    time.Time
}

// Store Job/Task 持久化：Job 与初始 Task 集合同事务创建；状态转移一律 CAS，
// 前置状态不匹配返回 ErrStaleState。所有读取返回副本，不存在时返回 nil, nil
type Store interface {
	// CreateJobWithTasks 原子创建 Job 及其全部 Task：要么全部落库要么全不落库
	CreateJobWithTasks(ctx context.Context, job *Job, tasks []*Task) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasksForJob(ctx context.Context, jobID string) ([]*Task, error)
	// UpdateTaskState 仅当当前状态等于 expect 时应用 up；拒绝如 Running→Running 的陈旧转移
	UpdateTaskState(ctx context.Context, taskID string, expect TaskState, up TaskUpdate) error
	// UpdateJobState 同上，作用于 Job
	UpdateJobState(ctx context.Context, jobID string, expect JobState, up JobUpdate) error
	// ListTasksInState 全表按状态扫描，供后台 sweep（补派发 Pending、回收超时 Running）
	ListTasksInState(ctx context.Context, state TaskState) ([]*Task, error)
}

// ObservabilityReader 供指标采集的只读视图（job_state / task_state 分布 gauge）
type ObservabilityReader interface {
	CountJobsByState(ctx context.Context) (map[string]int64, error)
	CountTasksByState(ctx context.Context) (map[string]int64, error)
}
