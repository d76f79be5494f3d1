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

// Package llm 模型调用边界：编排核心只依赖 Client 接口，
// 各分析 Agent 的提示词与解析逻辑留在 worker 侧
package llm

import (
	"context"
	"errors"
)

// ErrBadRequest 模型侧判定请求不可处理（4xx）；调用方据此分类为永久失败，不重试
var ErrBadRequest = errors.New("llm: bad request")

// Message 对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client 聊天补全客户端
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
