package orchestrator

import (
	"context"
	"testing"
	"time"
)

func seedJob(t *testing.T, store *StoreMem) (*Job, *Task) {
	t.Helper()
	job := &Job{ID: "job-1", RequiredWorkers: []WorkerKind{KindTagger}, State: JobPending}
	task := &Task{ID: "task-1", JobID: job.ID, Worker: KindTagger, State: TaskPending, Attempt: 1}
	if err := store.CreateJobWithTasks(context.Background(), job, []*Task{task}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return job, task
}

func TestStoreMem_CASRejectsStaleExpect(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	_, task := seedJob(t, store)

	if err := store.UpdateTaskState(ctx, task.ID, TaskPending, TaskUpdate{State: TaskEnqueued}); err != nil {
		t.Fatalf("first cas: %v", err)
	}
	// 期望值已过期，必须拒绝
	if err := store.UpdateTaskState(ctx, task.ID, TaskPending, TaskUpdate{State: TaskRunning}); err != ErrStaleState {
		t.Errorf("expected ErrStaleState, got %v", err)
	}
	if err := store.UpdateTaskState(ctx, "task-missing", TaskPending, TaskUpdate{State: TaskRunning}); err != ErrStaleState {
		t.Errorf("missing task: expected ErrStaleState, got %v", err)
	}
	if err := store.UpdateJobState(ctx, "job-1", JobDispatched, JobUpdate{State: JobFailed}); err != ErrStaleState {
		t.Errorf("stale job expect: expected ErrStaleState, got %v", err)
	}
}

func TestStoreMem_PartialUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	_, task := seedJob(t, store)

	deadline := time.Now().Add(time.Minute)
	err := store.UpdateTaskState(ctx, task.ID, TaskPending, TaskUpdate{
		State:    TaskPending,
		Attempt:  2,
		Error:    "flaky",
		Deadline: deadline,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	cur, _ := store.GetTask(ctx, task.ID)
	if cur.Attempt != 2 || cur.Error != "flaky" || !cur.Deadline.Equal(deadline) {
		t.Errorf("partial update not applied: %+v", cur)
	}
	// 零值字段不覆盖已有值
	if err := store.UpdateTaskState(ctx, task.ID, TaskPending, TaskUpdate{State: TaskEnqueued}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	cur, _ = store.GetTask(ctx, task.ID)
	if cur.Attempt != 2 || cur.Error != "flaky" {
		t.Errorf("zero-value update must not clear fields: %+v", cur)
	}
}

func TestStoreMem_ReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	job, task := seedJob(t, store)

	got, _ := store.GetJob(ctx, job.ID)
	got.State = JobFailed
	got.RequiredWorkers[0] = KindCharter
	fresh, _ := store.GetJob(ctx, job.ID)
	if fresh.State != JobPending || fresh.RequiredWorkers[0] != KindTagger {
		t.Errorf("mutating a returned job must not affect the store: %+v", fresh)
	}

	gt, _ := store.GetTask(ctx, task.ID)
	gt.State = TaskFailed
	freshTask, _ := store.GetTask(ctx, task.ID)
	if freshTask.State != TaskPending {
		t.Errorf("mutating a returned task must not affect the store")
	}
}

func TestStoreMem_MissingReadsReturnNil(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	if j, err := store.GetJob(ctx, "nope"); err != nil || j != nil {
		t.Errorf("expected nil, nil for missing job, got %v %v", j, err)
	}
	if tk, err := store.GetTask(ctx, "nope"); err != nil || tk != nil {
		t.Errorf("expected nil, nil for missing task, got %v %v", tk, err)
	}
}

func TestStoreMem_ListTasksInState(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	_, task := seedJob(t, store)

	pending, err := store.ListTasksInState(ctx, TaskPending)
	if err != nil || len(pending) != 1 || pending[0].ID != task.ID {
		t.Fatalf("expected the seeded pending task, got %v %v", pending, err)
	}
	running, _ := store.ListTasksInState(ctx, TaskRunning)
	if len(running) != 0 {
		t.Errorf("expected no running tasks, got %d", len(running))
	}
}

func TestStoreMem_CountsByState(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	seedJob(t, store)

	jobs, err := store.CountJobsByState(ctx)
	if err != nil || jobs[JobPending.String()] != 1 {
		t.Errorf("expected 1 pending job, got %v %v", jobs, err)
	}
	tasks, err := store.CountTasksByState(ctx)
	if err != nil || tasks[TaskPending.String()] != 1 {
		t.Errorf("expected 1 pending task, got %v %v", tasks, err)
	}
}
