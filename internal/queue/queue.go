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

// Package queue 派发队列：Planner 入队，Worker Executor 消费。
// 语义为 at-least-once + 可见性窗口：Dequeue 后消息对其他消费者隐藏一个
// visibility 窗口，窗口内未 Ack 则重新可见（消费者崩溃即靠此回收，无需心跳）。
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Message 每次 Task 尝试派发一条；schema 稳定（JSON 字段名不变）以保证
// 不同版本的 Planner 与 Executor 互通。重试永远产生新消息，不复用旧消息
type Message struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	JobID      string          `json:"job_id"`
	WorkerKind string          `json:"worker_kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue 派发队列接口
type Queue interface {
	// Enqueue 入队；delay>0 时延迟 delay 后才可见（重试 backoff 用）
	Enqueue(ctx context.Context, msg *Message, delay time.Duration) error
	// Dequeue 取一条可见消息并使其隐藏一个 visibility 窗口；最多阻塞/轮询 maxWait，
	// 无消息返回 nil, nil
	Dequeue(ctx context.Context, maxWait time.Duration) (*Message, error)
	// Ack 确认消费完成并删除消息；不存在时为幂等 no-op
	Ack(ctx context.Context, msgID string) error
	// ExtendVisibility 为执行时间超出默认窗口的任务续期
	ExtendVisibility(ctx context.Context, msgID string, d time.Duration) error
}
