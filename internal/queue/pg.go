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

package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgPollInterval = 100 * time.Millisecond

// Postgres 实现：dispatch_messages 表，FOR UPDATE SKIP LOCKED 认领，
// visible_at 列承载延迟投递与可见性窗口；与 Store 共用 DSN 即可
type Postgres struct {
	pool       *pgxpool.Pool
	visibility time.Duration
}

// NewPostgres 创建基于 PostgreSQL 的队列
func NewPostgres(pool *pgxpool.Pool, visibility time.Duration) *Postgres {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Postgres{pool: pool, visibility: visibility}
}

// EnsureSchema 建表（幂等）
func (q *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS dispatch_messages (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	worker_kind TEXT NOT NULL,
	payload     JSONB,
	attempt     INT NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	visible_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_messages_visible ON dispatch_messages (visible_at);`)
	return err
}

func (q *Postgres) Enqueue(ctx context.Context, msg *Message, delay time.Duration) error {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	var payload interface{}
	if len(msg.Payload) > 0 {
		payload = []byte(msg.Payload)
	}
	_, err := q.pool.Exec(ctx,
		`INSERT INTO dispatch_messages (id, task_id, job_id, worker_kind, payload, attempt, enqueued_at, visible_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now() + $8)`,
		msg.ID, msg.TaskID, msg.JobID, msg.WorkerKind, payload, msg.Attempt, msg.EnqueuedAt, delay)
	return err
}

// Dequeue 轮询认领：把 visible_at 推到 now()+visibility 即完成隐藏
func (q *Postgres) Dequeue(ctx context.Context, maxWait time.Duration) (*Message, error) {
	deadline := time.Now().Add(maxWait)
	for {
		msg, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pgPollInterval):
		}
	}
}

func (q *Postgres) tryClaim(ctx context.Context) (*Message, error) {
	var m Message
	var payload []byte
	err := q.pool.QueryRow(ctx,
		`UPDATE dispatch_messages SET visible_at = now() + $1
		 WHERE id = (
			SELECT id FROM dispatch_messages WHERE visible_at <= now()
			ORDER BY visible_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, task_id, job_id, worker_kind, payload, attempt, enqueued_at`,
		q.visibility,
	).Scan(&m.ID, &m.TaskID, &m.JobID, &m.WorkerKind, &payload, &m.Attempt, &m.EnqueuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m.Payload = payload
	return &m, nil
}

func (q *Postgres) Ack(ctx context.Context, msgID string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM dispatch_messages WHERE id = $1`, msgID)
	return err
}

func (q *Postgres) ExtendVisibility(ctx context.Context, msgID string, d time.Duration) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE dispatch_messages SET visible_at = now() + $1 WHERE id = $2`, d, msgID)
	return err
}

// Depth 当前未 Ack 的消息数，供 queue_depth gauge
func (q *Postgres) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM dispatch_messages`).Scan(&n)
	return n, err
}
