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

package llm

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// OpenAIClient OpenAI 兼容 chat/completions 客户端
type OpenAIClient struct {
	http        *resty.Client
	model       string
	temperature float64
}

// NewOpenAIClient 创建客户端；baseURL 如 https://api.openai.com/v1
func NewOpenAIClient(baseURL, apiKey, model string, temperature float64) *OpenAIClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Content-Type", "application/json")
	return &OpenAIClient{http: c, model: model, temperature: temperature}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat 实现 Client；4xx 返回 ErrBadRequest（永久），网络错误与 5xx/429 原样返回（瞬态）
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{Model: c.model, Messages: messages, Temperature: c.temperature}).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	code := resp.StatusCode()
	if code >= 400 {
		msg := resp.Status()
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		// 429 是限流，按瞬态处理
		if code >= 400 && code < 500 && code != 429 {
			return "", fmt.Errorf("%w: %s", ErrBadRequest, msg)
		}
		return "", fmt.Errorf("llm status %d: %s", code, msg)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}
