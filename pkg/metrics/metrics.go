package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobDuration, JobTotal,
		TaskAttemptTotal, TaskRetryTotal,
		QueueDepth, ExecutorBusy,
		JobStateGauge, TaskStateGauge,
		SweepReclaimedTotal, StaleConflictTotal,
	)
}

// JobDuration Job 从提交到终态的耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "finagent_job_duration_seconds",
		Help:    "Job 从提交到终态的耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"state"}, // completed | failed
)

// JobTotal Job 总数（按终态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "finagent_job_total",
		Help: "Job 总数（按终态）",
	},
	[]string{"state"}, // completed | failed
)

// TaskAttemptTotal Task 执行次数（按 worker 类型与结果）
var TaskAttemptTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "finagent_task_attempt_total",
		Help: "Task 执行次数（按 worker 类型与结果）",
	},
	[]string{"worker", "outcome"}, // succeeded | failed_transient | failed_permanent
)

// TaskRetryTotal Task 重试次数（按 worker 类型）
var TaskRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "finagent_task_retry_total",
		Help: "Task 重试次数",
	},
	[]string{"worker"},
)

// QueueDepth 当前待派发消息数
var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "finagent_queue_depth",
		Help: "当前待派发消息数",
	},
)

// ExecutorBusy 当前正在执行的 Task 数（每 Executor）
var ExecutorBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "finagent_executor_busy",
		Help: "当前正在执行的 Task 数",
	},
	[]string{"executor_id"},
)

// JobStateGauge 当前各状态 Job 数量分布
var JobStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "finagent_job_state",
		Help: "当前各状态 Job 数量",
	},
	[]string{"state"},
)

// TaskStateGauge 当前各状态 Task 数量分布
var TaskStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "finagent_task_state",
		Help: "当前各状态 Task 数量",
	},
	[]string{"state"},
)

// SweepReclaimedTotal 后台 sweep 回收数（按类型：enqueue | deadline）
var SweepReclaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "finagent_sweep_reclaimed_total",
		Help: "后台 sweep 回收的 Task 数",
	},
	[]string{"kind"},
)

// StaleConflictTotal Job Store CAS 冲突数（冲突会被调用方重读解决，不是错误）
var StaleConflictTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "finagent_stale_conflict_total",
		Help: "Job Store 乐观并发冲突数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
