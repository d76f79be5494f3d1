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
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StorePg Postgres 实现：analysis_jobs / analysis_tasks 两表，供 API 与 Worker 共享。
// CAS 通过 UPDATE ... WHERE state = $expect 实现，RowsAffected=0 即 ErrStaleState
type StorePg struct {
	pool *pgxpool.Pool
}

// NewStorePg 创建基于 PostgreSQL 的 Store；dsn 为连接串
func NewStorePg(ctx context.Context, dsn string) (*StorePg, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &StorePg{pool: pool}, nil
}

// Close 关闭连接池
func (s *StorePg) Close() {
	s.pool.Close()
}

// EnsureSchema 建表（幂等）；生产部署可改用迁移工具执行同等 DDL
func (s *StorePg) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id               TEXT PRIMARY KEY,
	input            JSONB,
	required_workers TEXT NOT NULL,
	optional_workers TEXT,
	state            INT NOT NULL,
	result           JSONB,
	failure_summary  TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS analysis_tasks (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES analysis_jobs(id),
	worker     TEXT NOT NULL,
	payload    JSONB,
	state      INT NOT NULL,
	attempt    INT NOT NULL,
	optional   BOOLEAN NOT NULL DEFAULT FALSE,
	output     JSONB,
	error      TEXT,
	deadline   TIMESTAMPTZ,
	not_before TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_tasks_job ON analysis_tasks (job_id);
CREATE INDEX IF NOT EXISTS idx_analysis_tasks_state ON analysis_tasks (state);`)
	return err
}

func kindsToPg(kinds []WorkerKind) interface{} {
	if len(kinds) == 0 {
		return nil
	}
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, string(k))
	}
	return strings.Join(parts, ",")
}

func pgToKinds(s *string) []WorkerKind {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	parts := strings.Split(*s, ",")
	out := make([]WorkerKind, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, WorkerKind(t))
		}
	}
	return out
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *StorePg) CreateJobWithTasks(ctx context.Context, job *Job, tasks []*Task) error {
	if job == nil {
		return errors.New("job is nil")
	}
	now := time.Now()
	if job.ID == "" {
		job.ID = "job-" + uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO analysis_jobs (id, input, required_workers, optional_workers, state, result, failure_summary, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, nullJSON(job.Input), kindsToPg(job.RequiredWorkers), kindsToPg(job.OptionalWorkers),
		int(job.State), nullJSON(job.Result), nullStr(job.FailureSummary),
		job.CreatedAt, job.UpdatedAt, nullTime(job.CompletedAt))
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = "task-" + uuid.New().String()
		}
		t.JobID = job.ID
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = t.CreatedAt
		_, err = tx.Exec(ctx,
			`INSERT INTO analysis_tasks (id, job_id, worker, payload, state, attempt, optional, output, error, deadline, not_before, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			t.ID, t.JobID, string(t.Worker), nullJSON(t.Payload), int(t.State), t.Attempt, t.Optional,
			nullJSON(t.Output), nullStr(t.Error), nullTime(t.Deadline), nullTime(t.NotBefore),
			t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const jobCols = `id, input, required_workers, optional_workers, state, result, failure_summary, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var input, result []byte
	var required, optional, failureSummary *string
	var state int
	var completedAt *time.Time
	err := row.Scan(&j.ID, &input, &required, &optional, &state, &result, &failureSummary, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	j.Input = input
	j.RequiredWorkers = pgToKinds(required)
	j.OptionalWorkers = pgToKinds(optional)
	j.State = JobState(state)
	j.Result = result
	if failureSummary != nil {
		j.FailureSummary = *failureSummary
	}
	if completedAt != nil {
		j.CompletedAt = *completedAt
	}
	return &j, nil
}

func (s *StorePg) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM analysis_jobs WHERE id = $1`, jobID))
}

const taskCols = `id, job_id, worker, payload, state, attempt, optional, output, error, deadline, not_before, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var worker string
	var payload, output []byte
	var state, attempt int
	var errText *string
	var deadline, notBefore *time.Time
	err := row.Scan(&t.ID, &t.JobID, &worker, &payload, &state, &attempt, &t.Optional, &output, &errText, &deadline, &notBefore, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Worker = WorkerKind(worker)
	t.Payload = payload
	t.State = TaskState(state)
	t.Attempt = attempt
	t.Output = output
	if errText != nil {
		t.Error = *errText
	}
	if deadline != nil {
		t.Deadline = *deadline
	}
	if notBefore != nil {
		t.NotBefore = *notBefore
	}
	return &t, nil
}

func (s *StorePg) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskCols+` FROM analysis_tasks WHERE id = $1`, taskID))
}

func (s *StorePg) listTasks(ctx context.Context, where string, args ...interface{}) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskCols+` FROM analysis_tasks WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *StorePg) ListTasksForJob(ctx context.Context, jobID string) ([]*Task, error) {
	return s.listTasks(ctx, `job_id = $1`, jobID)
}

func (s *StorePg) ListTasksInState(ctx context.Context, state TaskState) ([]*Task, error) {
	return s.listTasks(ctx, `state = $1`, int(state))
}

func (s *StorePg) UpdateTaskState(ctx context.Context, taskID string, expect TaskState, up TaskUpdate) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE analysis_tasks SET
			state = $1,
			attempt = CASE WHEN $2 > 0 THEN $2 ELSE attempt END,
			output = COALESCE($3, output),
			error = COALESCE($4, error),
			deadline = COALESCE($5, deadline),
			not_before = COALESCE($6, not_before),
			updated_at = now()
		 WHERE id = $7 AND state = $8`,
		int(up.State), up.Attempt, nullJSON(up.Output), nullStr(up.Error),
		nullTime(up.Deadline), nullTime(up.NotBefore), taskID, int(expect))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (s *StorePg) UpdateJobState(ctx context.Context, jobID string, expect JobState, up JobUpdate) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET
			state = $1,
			result = COALESCE($2, result),
			failure_summary = COALESCE($3, failure_summary),
			completed_at = COALESCE($4, completed_at),
			updated_at = now()
		 WHERE id = $5 AND state = $6`,
		int(up.State), nullJSON(up.Result), nullStr(up.FailureSummary), nullTime(up.CompletedAt),
		jobID, int(expect))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

// CountJobsByState 实现 ObservabilityReader；返回各状态 Job 数量，用于 job_state gauge
func (s *StorePg) CountJobsByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM analysis_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var state int
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[JobState(state).String()] = n
	}
	return out, rows.Err()
}

// CountTasksByState 实现 ObservabilityReader
func (s *StorePg) CountTasksByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM analysis_tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var state int
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[TaskState(state).String()] = n
	}
	return out, rows.Err()
}
