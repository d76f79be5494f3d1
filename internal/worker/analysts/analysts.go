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

// Package analysts 五个专职财务分析 Agent 的 Contract 实现。
// 每个 Agent 一段系统提示词 + 一次模型调用，产出结构化 JSON 片段；
// 提示词和输出结构对编排核心不可见
package analysts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"finagent-platform/internal/model/llm"
	"finagent-platform/internal/orchestrator"
	"finagent-platform/internal/worker"
)

// Request 所有分析 Agent 共享的输入载荷
type Request struct {
	ClientName string          `json:"client_name,omitempty"`
	Profile    json.RawMessage `json:"profile"`         // 客户财务画像，原样透传给模型
	Notes      string          `json:"notes,omitempty"` // 顾问补充说明
}

// analyst 单轮提示词 Agent 的公共骨架
type analyst struct {
	client llm.Client
	system string
}

func (a *analyst) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	req, err := parseRequest(payload)
	if err != nil {
		return nil, err
	}
	content, err := a.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: a.system},
		{Role: "user", Content: userPrompt(req)},
	})
	if err != nil {
		return nil, classify(err)
	}
	out, err := json.Marshal(struct {
		Analysis    string    `json:"analysis"`
		GeneratedAt time.Time `json:"generated_at"`
	}{Analysis: content, GeneratedAt: time.Now().UTC()})
	if err != nil {
		return nil, worker.Permanentf("encode analysis output: %v", err)
	}
	return out, nil
}

func parseRequest(payload json.RawMessage) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, worker.Permanentf("invalid analysis payload: %v", err)
	}
	if len(req.Profile) == 0 {
		return nil, worker.Permanentf("analysis payload missing profile")
	}
	return &req, nil
}

func userPrompt(req *Request) string {
	prompt := fmt.Sprintf("Client: %s\nFinancial profile:\n%s", req.ClientName, string(req.Profile))
	if req.Notes != "" {
		prompt += "\nAdvisor notes: " + req.Notes
	}
	return prompt
}

// classify 模型错误 → worker 分类错误。4xx（ErrBadRequest）为永久，其余按瞬态重试
func classify(err error) error {
	if errors.Is(err, llm.ErrBadRequest) {
		return worker.Permanentf("model rejected request: %v", err)
	}
	return worker.Transientf("model call failed: %v", err)
}

// NewTagger 客户画像打标 Agent
func NewTagger(client llm.Client) worker.Contract {
	return &analyst{client: client, system: "You are a financial profile tagger. " +
		"Read the client's financial profile and produce a concise set of tags covering " +
		"risk tolerance, income stability, debt load and investment horizon. " +
		"Answer with a comma separated tag list and one sentence of rationale per tag."}
}

// NewReporter 综合财务报告 Agent
func NewReporter(client llm.Client) worker.Contract {
	return &analyst{client: client, system: "You are a financial report writer. " +
		"Write a structured narrative report about the client's overall financial health: " +
		"assets, liabilities, cash flow and notable risks. Be factual and avoid speculation."}
}

// NewCharter 图表数据 Agent：产出可直接喂给前端图表的序列
func NewCharter(client llm.Client) worker.Contract {
	return &analyst{client: client, system: "You are a financial data visualiser. " +
		"From the client's profile derive chartable series (asset allocation, cash flow by month, " +
		"net worth trend). Answer with JSON arrays of {label, value} points per chart."}
}

// NewRetirement 退休规划 Agent
func NewRetirement(client llm.Client) worker.Contract {
	return &analyst{client: client, system: "You are a retirement planning analyst. " +
		"Estimate the client's retirement readiness: projected savings at retirement age, " +
		"expected income gap and concrete contribution adjustments. State your assumptions."}
}

// NewResearcher 市场研究 Agent
func NewResearcher(client llm.Client) worker.Contract {
	return &analyst{client: client, system: "You are a market researcher. " +
		"Given the client's holdings and goals, summarise relevant market conditions and " +
		"sector outlooks that affect their plan. Cite the reasoning behind each conclusion."}
}

// RegisterAll 把五个分析 Agent 注册进执行注册表
func RegisterAll(r *worker.Registry, client llm.Client) {
	r.Register(orchestrator.KindTagger, NewTagger(client))
	r.Register(orchestrator.KindReporter, NewReporter(client))
	r.Register(orchestrator.KindCharter, NewCharter(client))
	r.Register(orchestrator.KindRetirement, NewRetirement(client))
	r.Register(orchestrator.KindResearcher, NewResearcher(client))
}
