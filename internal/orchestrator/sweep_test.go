package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSweeper_ReenqueuesStrandedPending(t *testing.T) {
	ctx := context.Background()
	p, store, q := newTestPlanner(t, PlannerConfig{})
	sweeper := NewSweeper(store, p, 20*time.Millisecond, testLogger(t))

	// 入队失败的场景：Task 直接落库为 Pending，队列里没有消息
	job := &Job{ID: "job-1", RequiredWorkers: []WorkerKind{KindTagger}, State: JobDispatched}
	task := &Task{ID: "task-1", JobID: job.ID, Worker: KindTagger, State: TaskPending, Attempt: 1}
	if err := store.CreateJobWithTasks(ctx, job, []*Task{task}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// 推老 UpdatedAt 的窗口：等待超过一个 sweep 周期
	time.Sleep(30 * time.Millisecond)

	sweeper.Start(ctx)
	defer sweeper.Stop()

	for i := 0; i < 50; i++ {
		time.Sleep(20 * time.Millisecond)
		if q.Depth() > 0 {
			break
		}
	}
	if q.Depth() == 0 {
		t.Fatalf("expected sweep to re-enqueue the stranded task")
	}
	cur, _ := store.GetTask(ctx, task.ID)
	if cur.State != TaskEnqueued {
		t.Errorf("expected task enqueued after sweep, got %s", cur.State)
	}
}

func TestSweeper_SkipsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	p, store, q := newTestPlanner(t, PlannerConfig{})
	sweeper := NewSweeper(store, p, 20*time.Millisecond, testLogger(t))

	job := &Job{ID: "job-1", RequiredWorkers: []WorkerKind{KindTagger}, State: JobDispatched}
	task := &Task{
		ID: "task-1", JobID: job.ID, Worker: KindTagger, State: TaskPending, Attempt: 2,
		NotBefore: time.Now().Add(time.Hour),
	}
	if err := store.CreateJobWithTasks(ctx, job, []*Task{task}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	sweeper.Start(ctx)
	defer sweeper.Stop()
	time.Sleep(100 * time.Millisecond)

	if q.Depth() != 0 {
		t.Errorf("backoff window must be respected, queue depth %d", q.Depth())
	}
}

func TestSweeper_ReclaimsExpiredRunning(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{MaxAttempts: 2})
	sweeper := NewSweeper(store, p, 20*time.Millisecond, testLogger(t))

	// Executor 崩溃场景：Task 卡在 Running 且 deadline 已过
	job := &Job{ID: "job-1", RequiredWorkers: []WorkerKind{KindTagger}, State: JobDispatched}
	task := &Task{
		ID: "task-1", JobID: job.ID, Worker: KindTagger, State: TaskRunning, Attempt: 1,
		Deadline: time.Now().Add(-time.Second),
	}
	if err := store.CreateJobWithTasks(ctx, job, []*Task{task}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper.Start(ctx)
	defer sweeper.Stop()

	for i := 0; i < 50; i++ {
		time.Sleep(20 * time.Millisecond)
		cur, _ := store.GetTask(ctx, task.ID)
		if cur.Attempt == 2 {
			break
		}
	}
	cur, _ := store.GetTask(ctx, task.ID)
	if cur.Attempt != 2 || cur.State.Terminal() {
		t.Fatalf("expected reclaimed task retried as attempt 2, got attempt=%d state=%s", cur.Attempt, cur.State)
	}

	// 重试成功后 Job 正常完成
	if err := p.OnTaskTerminal(ctx, task.ID, Outcome{State: TaskSucceeded, Output: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("success after reclaim: %v", err)
	}
	j, _ := store.GetJob(ctx, job.ID)
	if j.State != JobCompleted {
		t.Errorf("expected completed, got %s", j.State)
	}
}

func TestSweeper_LeavesFreshRunningAlone(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPlanner(t, PlannerConfig{})
	sweeper := NewSweeper(store, p, 20*time.Millisecond, testLogger(t))

	job := &Job{ID: "job-1", RequiredWorkers: []WorkerKind{KindTagger}, State: JobDispatched}
	task := &Task{
		ID: "task-1", JobID: job.ID, Worker: KindTagger, State: TaskRunning, Attempt: 1,
		Deadline: time.Now().Add(time.Hour),
	}
	if err := store.CreateJobWithTasks(ctx, job, []*Task{task}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper.Start(ctx)
	defer sweeper.Stop()
	time.Sleep(100 * time.Millisecond)

	cur, _ := store.GetTask(ctx, task.ID)
	if cur.State != TaskRunning || cur.Attempt != 1 {
		t.Errorf("in-deadline running task must be untouched, got %+v", cur)
	}
}
