package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"finagent-platform/internal/queue"
	"finagent-platform/pkg/log"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	l, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func newTestPlanner(t *testing.T, cfg PlannerConfig) (*Planner, *StoreMem, *queue.Memory) {
	t.Helper()
	store := NewStoreMem()
	q := queue.NewMemory(time.Minute)
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 5 * time.Millisecond
	}
	return NewPlanner(store, q, testLogger(t), cfg), store, q
}

func taskFor(t *testing.T, store Store, jobID string, kind WorkerKind) *Task {
	t.Helper()
	tasks, err := store.ListTasksForJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Worker == kind {
			return task
		}
	}
	t.Fatalf("no task for worker %s", kind)
	return nil
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPlanner(t, PlannerConfig{})

	cases := []struct {
		name     string
		required []WorkerKind
		optional []WorkerKind
	}{
		{"empty required", nil, nil},
		{"unknown kind", []WorkerKind{"astrologer"}, nil},
		{"duplicate kind", []WorkerKind{KindTagger, KindTagger}, nil},
		{"duplicate across sets", []WorkerKind{KindTagger}, []WorkerKind{KindTagger}},
	}
	for _, tc := range cases {
		if _, err := p.Submit(ctx, nil, tc.required, tc.optional); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", tc.name, err)
		}
	}
}

func TestSubmit_CreatesJobAndEnqueuesTasks(t *testing.T) {
	ctx := context.Background()
	p, store, q := newTestPlanner(t, PlannerConfig{})

	jobID, err := p.Submit(ctx, json.RawMessage(`{"client":"c1"}`), []WorkerKind{KindTagger, KindReporter}, []WorkerKind{KindResearcher})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job, _ := store.GetJob(ctx, jobID)
	if job == nil || job.State != JobDispatched {
		t.Fatalf("expected job dispatched, got %+v", job)
	}
	tasks, _ := store.ListTasksForJob(ctx, jobID)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.State != TaskEnqueued {
			t.Errorf("task %s: expected enqueued, got %s", task.Worker, task.State)
		}
		if task.Attempt != 1 {
			t.Errorf("task %s: expected attempt 1, got %d", task.Worker, task.Attempt)
		}
	}
	if got := q.Depth(); got != 3 {
		t.Errorf("expected queue depth 3, got %d", got)
	}
	opt := taskFor(t, store, jobID, KindResearcher)
	if !opt.Optional {
		t.Errorf("researcher task should be optional")
	}
}

func TestJob_CompletesInCanonicalOrder(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{})

	jobID, err := p.Submit(ctx, nil, []WorkerKind{KindReporter, KindTagger}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 完成顺序与声明顺序相反
	tagger := taskFor(t, store, jobID, KindTagger)
	if err := p.OnTaskTerminal(ctx, tagger.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{"tags":"a"}`)}); err != nil {
		t.Fatalf("tagger terminal: %v", err)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.State != JobPartiallyComplete {
		t.Fatalf("expected partially complete, got %s", job.State)
	}

	reporter := taskFor(t, store, jobID, KindReporter)
	if err := p.OnTaskTerminal(ctx, reporter.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{"report":"b"}`)}); err != nil {
		t.Fatalf("reporter terminal: %v", err)
	}

	job, _ = store.GetJob(ctx, jobID)
	if job.State != JobCompleted {
		t.Fatalf("expected completed, got %s", job.State)
	}
	if job.CompletedAt.IsZero() {
		t.Errorf("expected completed_at set")
	}
	var result CompositeResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Sections) != 2 || result.Sections[0].Worker != KindReporter || result.Sections[1].Worker != KindTagger {
		t.Errorf("sections not in declared order: %+v", result.Sections)
	}
}

func TestTask_TransientRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{MaxAttempts: 3})

	jobID, _ := p.Submit(ctx, nil, []WorkerKind{KindCharter}, nil)
	task := taskFor(t, store, jobID, KindCharter)

	// 两次瞬态失败，预算内重置回待派发
	for attempt := 1; attempt <= 2; attempt++ {
		if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskFailed, Err: "connection reset"}); err != nil {
			t.Fatalf("fail %d: %v", attempt, err)
		}
		cur, _ := store.GetTask(ctx, task.ID)
		if cur.State.Terminal() {
			t.Fatalf("attempt %d: task should not be terminal, got %s", attempt, cur.State)
		}
		if cur.Attempt != attempt+1 {
			t.Fatalf("expected attempt %d, got %d", attempt+1, cur.Attempt)
		}
		job, _ := store.GetJob(ctx, jobID)
		if job.State.Terminal() {
			t.Fatalf("job must not be terminal during retries, got %s", job.State)
		}
	}

	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("final success: %v", err)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.State != JobCompleted {
		t.Errorf("expected completed, got %s", job.State)
	}
}

func TestTask_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{MaxAttempts: 2})

	jobID, _ := p.Submit(ctx, nil, []WorkerKind{KindCharter}, nil)
	task := taskFor(t, store, jobID, KindCharter)

	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskFailed, Err: "timeout"}); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	// 第二次失败已达预算上限，落终态
	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskFailed, Err: "timeout"}); err != nil {
		t.Fatalf("second fail: %v", err)
	}

	cur, _ := store.GetTask(ctx, task.ID)
	if cur.State != TaskFailed {
		t.Fatalf("expected task failed, got %s", cur.State)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.State != JobFailed {
		t.Fatalf("expected job failed, got %s", job.State)
	}
	if !strings.Contains(job.FailureSummary, string(KindCharter)) {
		t.Errorf("failure summary should name the worker: %q", job.FailureSummary)
	}
}

func TestTask_PermanentFailureFailsJobImmediately(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{MaxAttempts: 3})

	jobID, _ := p.Submit(ctx, nil, []WorkerKind{KindTagger, KindReporter}, nil)
	tagger := taskFor(t, store, jobID, KindTagger)

	if err := p.OnTaskTerminal(ctx, tagger.ID, Outcome{State: TaskFailed, Err: "unparsable profile", Permanent: true}); err != nil {
		t.Fatalf("permanent fail: %v", err)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.State != JobFailed {
		t.Fatalf("expected job failed on first attempt, got %s", job.State)
	}
	cur, _ := store.GetTask(ctx, tagger.ID)
	if cur.Attempt != 1 {
		t.Errorf("permanent failure must not consume retries, attempt=%d", cur.Attempt)
	}

	// 另一个 Task 的迟到成功不翻转已失败的 Job
	reporter := taskFor(t, store, jobID, KindReporter)
	if err := p.OnTaskTerminal(ctx, reporter.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("late success: %v", err)
	}
	job, _ = store.GetJob(ctx, jobID)
	if job.State != JobFailed {
		t.Errorf("job must stay failed, got %s", job.State)
	}
}

func TestJob_OptionalFailureDoesNotFailJob(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{})

	jobID, _ := p.Submit(ctx, nil, []WorkerKind{KindTagger}, []WorkerKind{KindResearcher})
	researcher := taskFor(t, store, jobID, KindResearcher)
	if err := p.OnTaskTerminal(ctx, researcher.ID, Outcome{State: TaskFailed, Err: "no data", Permanent: true}); err != nil {
		t.Fatalf("optional fail: %v", err)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.State.Terminal() {
		t.Fatalf("optional failure must not end the job, got %s", job.State)
	}

	tagger := taskFor(t, store, jobID, KindTagger)
	if err := p.OnTaskTerminal(ctx, tagger.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{"tags":"x"}`)}); err != nil {
		t.Fatalf("required success: %v", err)
	}
	job, _ = store.GetJob(ctx, jobID)
	if job.State != JobCompleted {
		t.Fatalf("expected completed, got %s", job.State)
	}
	var result CompositeResult
	_ = json.Unmarshal(job.Result, &result)
	if len(result.Sections) != 1 || result.Sections[0].Worker != KindTagger {
		t.Errorf("failed optional worker must be absent from result: %+v", result.Sections)
	}
}

func TestOnTaskTerminal_DuplicateReportIgnored(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{})

	jobID, _ := p.Submit(ctx, nil, []WorkerKind{KindTagger}, nil)
	task := taskFor(t, store, jobID, KindTagger)

	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{"v":1}`)}); err != nil {
		t.Fatalf("first report: %v", err)
	}
	job, _ := store.GetJob(ctx, jobID)
	result := append(json.RawMessage(nil), job.Result...)

	// 同一 Task 的重复上报（成功与失败两种）都不产生状态变化
	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{"v":2}`)}); err != nil {
		t.Fatalf("duplicate success: %v", err)
	}
	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskFailed, Err: "late", Permanent: true}); err != nil {
		t.Fatalf("late failure: %v", err)
	}
	job, _ = store.GetJob(ctx, jobID)
	if job.State != JobCompleted || string(job.Result) != string(result) {
		t.Errorf("duplicate reports must be no-ops, got state=%s", job.State)
	}
}

func TestOnTaskTerminal_ConcurrentReports(t *testing.T) {
	ctx := context.Background()
	kinds := []WorkerKind{KindTagger, KindReporter, KindCharter}

	// 多个 Executor 同时上报同一 Job 的不同 Task：CAS 冲突由重读重决消化，
	// 不丢更新，Job 必达 Completed。多轮重复以提高竞争命中率
	for i := 0; i < 50; i++ {
		p, store, _ := newTestPlanner(t, PlannerConfig{})
		jobID, err := p.Submit(ctx, nil, kinds, nil)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		var wg sync.WaitGroup
		for _, k := range kinds {
			task := taskFor(t, store, jobID, k)
			wg.Add(1)
			go func(taskID string, k WorkerKind) {
				defer wg.Done()
				out := Outcome{State: TaskSucceeded, Output: json.RawMessage(`{"worker":"` + string(k) + `"}`)}
				if err := p.OnTaskTerminal(ctx, taskID, out); err != nil {
					t.Errorf("terminal %s: %v", k, err)
				}
			}(task.ID, k)
		}
		wg.Wait()

		job, _ := store.GetJob(ctx, jobID)
		if job.State != JobCompleted {
			t.Fatalf("round %d: expected completed, got %s", i, job.State)
		}
		if len(job.Result) == 0 {
			t.Fatalf("round %d: result missing", i)
		}
		tasks, _ := store.ListTasksForJob(ctx, jobID)
		for _, task := range tasks {
			if task.State != TaskSucceeded {
				t.Fatalf("round %d: task %s lost its update, state %s", i, task.Worker, task.State)
			}
		}
	}
}

func TestOnTaskTerminal_StaleAttemptDropped(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{MaxAttempts: 3})

	jobID, _ := p.Submit(ctx, nil, []WorkerKind{KindCharter}, nil)
	task := taskFor(t, store, jobID, KindCharter)

	// deadline sweep 把 attempt 1 判为失败并重置到 attempt 2
	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskFailed, Err: "task deadline exceeded", Attempt: 1}); err != nil {
		t.Fatalf("sweep fail: %v", err)
	}
	cur, _ := store.GetTask(ctx, task.ID)
	if cur.Attempt != 2 {
		t.Fatalf("expected attempt 2 after reset, got %d", cur.Attempt)
	}

	// attempt 1 的执行方此时才报成功：过期报告，不得作用到 attempt 2
	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{}`), Attempt: 1}); err != nil {
		t.Fatalf("stale success: %v", err)
	}
	cur, _ = store.GetTask(ctx, task.ID)
	if cur.State.Terminal() {
		t.Fatalf("stale report must be dropped, task state %s", cur.State)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.State.Terminal() {
		t.Fatalf("stale report must not finish the job, got %s", job.State)
	}

	// 当前 attempt 的报告正常生效
	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{}`), Attempt: 2}); err != nil {
		t.Fatalf("current success: %v", err)
	}
	job, _ = store.GetJob(ctx, jobID)
	if job.State != JobCompleted {
		t.Errorf("expected completed, got %s", job.State)
	}
}

func TestOnTaskTerminal_UnknownTask(t *testing.T) {
	p, _, _ := newTestPlanner(t, PlannerConfig{})
	if err := p.OnTaskTerminal(context.Background(), "task-missing", Outcome{State: TaskSucceeded}); err != nil {
		t.Errorf("report for missing task must be a no-op, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{})

	jobID, _ := p.Submit(ctx, nil, []WorkerKind{KindTagger, KindReporter}, nil)
	tagger := taskFor(t, store, jobID, KindTagger)
	if err := p.OnTaskTerminal(ctx, tagger.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("tagger success: %v", err)
	}

	if err := p.Cancel(ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.State != JobFailed || job.FailureSummary != "cancelled" {
		t.Fatalf("expected cancelled job, got %s %q", job.State, job.FailureSummary)
	}
	reporter := taskFor(t, store, jobID, KindReporter)
	if reporter.State != TaskFailed || reporter.Error != "cancelled" {
		t.Errorf("in-flight task should be failed as cancelled, got %s %q", reporter.State, reporter.Error)
	}
	// 已成功的 Task 不被取消改写
	cur, _ := store.GetTask(ctx, tagger.ID)
	if cur.State != TaskSucceeded {
		t.Errorf("succeeded task must keep its state, got %s", cur.State)
	}

	// 迟到的执行结果被幂等丢弃
	if err := p.OnTaskTerminal(ctx, reporter.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("late report: %v", err)
	}
	job, _ = store.GetJob(ctx, jobID)
	if job.State != JobFailed {
		t.Errorf("late report must not revive cancelled job, got %s", job.State)
	}

	// 终态 Job 的再次取消为 no-op
	if err := p.Cancel(ctx, jobID); err != nil {
		t.Errorf("cancel of terminal job: %v", err)
	}
	if err := p.Cancel(ctx, "job-missing"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("cancel of unknown job: expected ErrInvalidRequest, got %v", err)
	}
}
