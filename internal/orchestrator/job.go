package orchestrator

import (
	"encoding/json"
	"time"
)

// JobState Job 状态
type JobState int

const (
	JobPending JobState = iota
	JobDispatched
	JobPartiallyComplete
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobDispatched:
		return "dispatched"
	case JobPartiallyComplete:
		return "partially_complete"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 终态后不再发生任何转移
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job 一次用户请求触发的完整分析单元：Planner 创建，按 Task 终态事件推进
type Job struct {
	ID    string
	Input json.RawMessage
	// RequiredWorkers 创建时选定的必需 worker 类型，创建后不变；聚合输出顺序的唯一依据
	RequiredWorkers []WorkerKind
	// OptionalWorkers 可选 worker 类型；失败不触发 Job 失败，成功输出附加在必需部分之后
	OptionalWorkers []WorkerKind
	State           JobState
	// Result 仅 State=Completed 时非空
	Result json.RawMessage
	// FailureSummary 仅 State=Failed 时非空，概述哪些必需 worker 失败及原因
	FailureSummary string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// CompletedAt 进入终态的时间，零值表示尚未终态
	CompletedAt time.Time
}
