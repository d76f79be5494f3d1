package orchestrator

import (
	"encoding/json"
	"time"
)

// TaskState Task 状态
type TaskState int

const (
	TaskPending TaskState = iota
	TaskEnqueued
	TaskRunning
	TaskSucceeded
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskEnqueued:
		return "enqueued"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 终态后不再发生任何转移（Failed 在重试预算内会被 Planner 重置回 Pending，
// 终止性由 Planner 在写入前判定，落库的 Failed 即终态）
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Task 一个 worker 在某 Job 内的工作单元；随 Job 一起创建，生命周期完全归属该 Job
type Task struct {
	ID      string
	JobID   string
	Worker  WorkerKind
	Payload json.RawMessage
	State   TaskState
	// Attempt 当前执行次数，从 1 开始；Planner 重试时递增，上限为 max_attempts
	Attempt  int
	Optional bool
	// Output 仅 State=Succeeded 时非空
	Output json.RawMessage
	// Error 最近一次失败原因；终态 Failed 时为最终失败原因
	Error string
	// Deadline 当前尝试的绝对截止时间；Executor 强制，deadline sweep 兜底
	Deadline time.Time
	// NotBefore 重试 backoff：此时间前不派发新消息
	NotBefore time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome Task 的终态报告：Executor 或 deadline sweep 通过 Planner.OnTaskTerminal 上报
type Outcome struct {
	State  TaskState // TaskSucceeded 或 TaskFailed
	Output json.RawMessage
	Err    string
	// Permanent 为 true 时不消耗重试预算直接终态失败（worker 判定输入不可处理、取消等）
	Permanent bool
	// Attempt 报告所属的执行次数；与 Task 当前 attempt 不一致的报告被丢弃
	// （deadline sweep 已重置后迟到的上一轮结果）。0 表示未携带，按当前 attempt 接受
	Attempt int
}
