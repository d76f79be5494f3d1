package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StoreMem 内存实现：map + 互斥锁；所有读返回副本，CAS 在锁内判定
type StoreMem struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	tasks   map[string]*Task
	byJobID map[string][]string // jobID → taskID 列表（创建顺序）
}

// NewStoreMem 创建内存 Store
func NewStoreMem() *StoreMem {
	return &StoreMem{
		jobs:    make(map[string]*Job),
		tasks:   make(map[string]*Task),
		byJobID: make(map[string][]string),
	}
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.RequiredWorkers = append([]WorkerKind(nil), j.RequiredWorkers...)
	cp.OptionalWorkers = append([]WorkerKind(nil), j.OptionalWorkers...)
	return &cp
}

func copyTask(t *Task) *Task {
	cp := *t
	return &cp
}

func (s *StoreMem) CreateJobWithTasks(ctx context.Context, job *Job, tasks []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if job.ID == "" {
		job.ID = "job-" + uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = copyJob(job)
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = "task-" + uuid.New().String()
		}
		t.JobID = job.ID
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = t.CreatedAt
		s.tasks[t.ID] = copyTask(t)
		s.byJobID[job.ID] = append(s.byJobID[job.ID], t.ID)
	}
	return nil
}

func (s *StoreMem) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return copyJob(j), nil
}

func (s *StoreMem) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (s *StoreMem) ListTasksForJob(ctx context.Context, jobID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byJobID[jobID]
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (s *StoreMem) UpdateTaskState(ctx context.Context, taskID string, expect TaskState, up TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrStaleState
	}
	if t.State != expect {
		return ErrStaleState
	}
	t.State = up.State
	if up.Attempt > 0 {
		t.Attempt = up.Attempt
	}
	if len(up.Output) > 0 {
		t.Output = append([]byte(nil), up.Output...)
	}
	if up.Error != "" {
		t.Error = up.Error
	}
	if !up.Deadline.IsZero() {
		t.Deadline = up.Deadline
	}
	if !up.NotBefore.IsZero() {
		t.NotBefore = up.NotBefore
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *StoreMem) UpdateJobState(ctx context.Context, jobID string, expect JobState, up JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrStaleState
	}
	if j.State != expect {
		return ErrStaleState
	}
	j.State = up.State
	if len(up.Result) > 0 {
		j.Result = append([]byte(nil), up.Result...)
	}
	if up.FailureSummary != "" {
		j.FailureSummary = up.FailureSummary
	}
	if !up.CompletedAt.IsZero() {
		j.CompletedAt = up.CompletedAt
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (s *StoreMem) ListTasksInState(ctx context.Context, state TaskState) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.State == state {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

// CountJobsByState 实现 ObservabilityReader
func (s *StoreMem) CountJobsByState(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, j := range s.jobs {
		out[j.State.String()]++
	}
	return out, nil
}

// CountTasksByState 实现 ObservabilityReader
func (s *StoreMem) CountTasksByState(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, t := range s.tasks {
		out[t.State.String()]++
	}
	return out, nil
}
