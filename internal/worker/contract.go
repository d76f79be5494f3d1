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

// Package worker 专职 Agent 的执行契约与 Executor。
// 编排核心只认 Contract 一个接口，worker 内部的模型调用、提示词、工具循环全部不可见
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"finagent-platform/internal/orchestrator"
)

// ErrorKind worker 错误分类：瞬态走重试预算，永久立即终态失败
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error worker 返回的分类错误
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker %s error: %s", e.Kind, e.Message)
}

// Transientf 构造瞬态错误（网络、限流、超时等基础设施抖动）
func Transientf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

// Permanentf 构造永久错误（输入不可处理、worker 判定不可恢复）
func Permanentf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPermanent, Message: fmt.Sprintf(format, args...)}
}

// IsPermanent 错误是否为永久分类；未分类错误默认瞬态（宁可多试一次）
func IsPermanent(err error) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind == KindPermanent
	}
	return false
}

// Contract 每个专职 Agent 实现的契约：在 ctx 截止约束内处理 payload，
// 返回类型化结果或分类错误
type Contract interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Registry WorkerKind → Contract 的静态注册表（封闭集合）
type Registry struct {
	mu     sync.RWMutex
	byKind map[orchestrator.WorkerKind]Contract
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[orchestrator.WorkerKind]Contract)}
}

// Register 注册；重复注册覆盖
func (r *Registry) Register(kind orchestrator.WorkerKind, c Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = c
}

// Resolve 按类型取契约实现
func (r *Registry) Resolve(kind orchestrator.WorkerKind) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKind[kind]
	return c, ok
}
