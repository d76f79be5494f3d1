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

// Package app 进程装配的公共部分：按配置构造 Store、Queue 与模型客户端。
// API 与 Worker 两个进程共用，保证双方落在同一组后端上
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"finagent-platform/internal/model/llm"
	"finagent-platform/internal/orchestrator"
	"finagent-platform/internal/queue"
	"finagent-platform/pkg/config"
)

// NewStore 根据配置创建 Job Store；返回的 close 在进程退出时调用
func NewStore(ctx context.Context, cfg *config.Config) (orchestrator.Store, func(), error) {
	switch cfg.Store.Type {
	case "", "memory":
		return orchestrator.NewStoreMem(), func() {}, nil
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, nil, fmt.Errorf("store.type=postgres 需要配置 store.dsn")
		}
		st, err := orchestrator.NewStorePg(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化 Job Store(postgres) 失败: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("初始化 Job Store 表结构失败: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

// NewQueue 根据配置创建 Dispatch Queue
func NewQueue(ctx context.Context, cfg *config.Config) (queue.Queue, func(), error) {
	visibility := config.Duration(cfg.Orchestrator.VisibilityTimeout, 5*time.Minute)
	switch cfg.Queue.Type {
	case "", "memory":
		return queue.NewMemory(visibility), func() {}, nil
	case "postgres":
		if cfg.Queue.DSN == "" {
			return nil, nil, fmt.Errorf("queue.type=postgres 需要配置 queue.dsn")
		}
		pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化 Dispatch Queue(postgres) 失败: %w", err)
		}
		q := queue.NewPostgres(pool, visibility)
		if err := q.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("初始化 Dispatch Queue 表结构失败: %w", err)
		}
		return q, pool.Close, nil
	case "redis":
		if cfg.Queue.Addr == "" {
			return nil, nil, fmt.Errorf("queue.type=redis 需要配置 queue.addr")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Addr,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
		})
		return queue.NewRedis(client, visibility), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue type: %s", cfg.Queue.Type)
	}
}

// NewLLMClient 根据配置创建模型客户端；未配置 API Key 时退化为固定应答客户端，
// 便于无模型环境下跑通整条编排链路
func NewLLMClient(cfg *config.Config) llm.Client {
	p := cfg.Model.Provider
	if p.APIKey == "" {
		return &llm.FakeClient{}
	}
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := p.Name
	if model == "" {
		model = "gpt-4o-mini"
	}
	return llm.NewOpenAIClient(baseURL, p.APIKey, model, p.Temperature)
}

// PlannerConfigFromConfig 把文件配置映射为 Planner 运行参数
func PlannerConfigFromConfig(cfg *config.Config) orchestrator.PlannerConfig {
	oc := cfg.Orchestrator
	return orchestrator.PlannerConfig{
		MaxAttempts:         oc.MaxAttempts,
		BackoffBase:         config.Duration(oc.BackoffBase, time.Second),
		BackoffCap:          config.Duration(oc.BackoffCap, 60*time.Second),
		DefaultTaskDeadline: config.Duration(oc.DefaultTaskDeadline, 2*time.Minute),
	}
}
