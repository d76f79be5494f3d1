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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisPendingKey   = "dispatch:pending"
	redisMsgKeyPrefix = "dispatch:msg:"
	redisPollInterval = 100 * time.Millisecond
)

// claimScript 原子认领：取一条 score（可见时间）已到的消息并把 score 推到
// now+visibility；score 即可见性窗口，无需单独的 inflight 结构
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], ids[1])
return ids[1]
`)

// Redis 实现：sorted set 按可见时间排队，消息体 JSON 存独立 key
type Redis struct {
	client     *redis.Client
	visibility time.Duration
}

// NewRedis 创建基于 Redis 的队列
func NewRedis(client *redis.Client, visibility time.Duration) *Redis {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Redis{client: client, visibility: visibility}
}

func (q *Redis) Enqueue(ctx context.Context, msg *Message, delay time.Duration) error {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, redisMsgKeyPrefix+msg.ID, data, 0)
	pipe.ZAdd(ctx, redisPendingKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: msg.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Redis) Dequeue(ctx context.Context, maxWait time.Duration) (*Message, error) {
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
		case <-time.After(redisPollInterval):
		}
	}
}

func (q *Redis) tryClaim(ctx context.Context) (*Message, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client, []string{redisPendingKey},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli()).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	data, err := q.client.Get(ctx, redisMsgKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			// 消息体丢失（已 Ack 的残留成员），移除后继续
			_ = q.client.ZRem(ctx, redisPendingKey, id).Err()
			return nil, nil
		}
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (q *Redis) Ack(ctx context.Context, msgID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, redisPendingKey, msgID)
	pipe.Del(ctx, redisMsgKeyPrefix+msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Redis) ExtendVisibility(ctx context.Context, msgID string, d time.Duration) error {
	// XX：仅在成员仍存在时更新，避免复活已 Ack 的消息
	return q.client.ZAddXX(ctx, redisPendingKey, redis.Z{
		Score:  float64(time.Now().Add(d).UnixMilli()),
		Member: msgID,
	}).Err()
}

// Depth 当前未 Ack 的消息数，供 queue_depth gauge
func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, redisPendingKey).Result()
}
