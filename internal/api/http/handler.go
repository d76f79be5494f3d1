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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"finagent-platform/internal/orchestrator"
	"finagent-platform/internal/storage/cache"
	"finagent-platform/pkg/metrics"
)

// Handler 分析作业 HTTP 处理器
type Handler struct {
	planner   *orchestrator.Planner
	store     orchestrator.Store
	statCache cache.Store
	cacheTTL  time.Duration
}

// NewHandler 创建 HTTP 处理器；statCache 可为 nil（禁用终态读缓存）
func NewHandler(planner *orchestrator.Planner, store orchestrator.Store, statCache cache.Store, cacheTTL time.Duration) *Handler {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Handler{planner: planner, store: store, statCache: statCache, cacheTTL: cacheTTL}
}

// submitRequest 提交分析作业请求体
type submitRequest struct {
	Input           json.RawMessage `json:"input"`
	RequiredWorkers []string        `json:"required_workers"`
	OptionalWorkers []string        `json:"optional_workers,omitempty"`
}

// jobView Job 的对外视图
type jobView struct {
	ID              string          `json:"id"`
	State           string          `json:"state"`
	RequiredWorkers []string        `json:"required_workers"`
	OptionalWorkers []string        `json:"optional_workers,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	FailureSummary  string          `json:"failure_summary,omitempty"`
	Tasks           []taskView      `json:"tasks,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// taskView Task 的对外视图
type taskView struct {
	ID      string `json:"id"`
	Worker  string `json:"worker"`
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// SubmitAnalysis 提交分析作业
func (h *Handler) SubmitAnalysis(c context.Context, ctx *app.RequestContext) {
	var req submitRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}
	required := toKinds(req.RequiredWorkers)
	optional := toKinds(req.OptionalWorkers)

	jobID, err := h.planner.Submit(c, req.Input, required, optional)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			ctx.JSON(consts.StatusBadRequest, map[string]interface{}{"error": err.Error()})
			return
		}
		hlog.CtxErrorf(c, "提交分析作业失败: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{"error": "failed to submit analysis"})
		return
	}
	state := orchestrator.JobDispatched.String()
	if job, err := h.store.GetJob(c, jobID); err == nil && job != nil {
		state = job.State.String()
	}
	ctx.JSON(consts.StatusAccepted, map[string]interface{}{
		"id":    jobID,
		"state": state,
	})
}

// GetAnalysis 查询作业状态与结果。终态作业视图进缓存，热查询不打存储
func (h *Handler) GetAnalysis(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")

	if h.statCache != nil {
		var cached jobView
		if err := h.statCache.Get(c, "job:"+id, &cached); err == nil {
			ctx.JSON(consts.StatusOK, cached)
			return
		}
	}

	job, err := h.store.GetJob(c, id)
	if err != nil {
		hlog.CtxErrorf(c, "查询作业失败: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{"error": "failed to load analysis"})
		return
	}
	if job == nil {
		ctx.JSON(consts.StatusNotFound, map[string]interface{}{"error": "analysis not found"})
		return
	}
	tasks, err := h.store.ListTasksForJob(c, id)
	if err != nil {
		hlog.CtxErrorf(c, "查询作业任务失败: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{"error": "failed to load analysis tasks"})
		return
	}

	view := buildJobView(job, tasks)
	if h.statCache != nil && job.State.Terminal() {
		if err := h.statCache.Set(c, "job:"+id, view, h.cacheTTL); err != nil {
			hlog.CtxWarnf(c, "写入状态缓存失败: %v", err)
		}
	}
	ctx.JSON(consts.StatusOK, view)
}

// CancelAnalysis 取消作业；终态作业取消为幂等空操作
func (h *Handler) CancelAnalysis(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if err := h.planner.Cancel(c, id); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			ctx.JSON(consts.StatusNotFound, map[string]interface{}{"error": "analysis not found"})
			return
		}
		hlog.CtxErrorf(c, "取消作业失败: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{"error": "failed to cancel analysis"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"id": id, "state": orchestrator.JobFailed.String()})
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "api-service",
	})
}

// Metrics Prometheus 文本格式指标
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]interface{}{"error": "failed to gather metrics"})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func toKinds(names []string) []orchestrator.WorkerKind {
	kinds := make([]orchestrator.WorkerKind, 0, len(names))
	for _, n := range names {
		kinds = append(kinds, orchestrator.WorkerKind(n))
	}
	return kinds
}

func buildJobView(job *orchestrator.Job, tasks []*orchestrator.Task) jobView {
	view := jobView{
		ID:              job.ID,
		State:           job.State.String(),
		RequiredWorkers: kindNames(job.RequiredWorkers),
		OptionalWorkers: kindNames(job.OptionalWorkers),
		Result:          job.Result,
		FailureSummary:  job.FailureSummary,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if !job.CompletedAt.IsZero() {
		t := job.CompletedAt
		view.CompletedAt = &t
	}
	for _, t := range tasks {
		view.Tasks = append(view.Tasks, taskView{
			ID:      t.ID,
			Worker:  string(t.Worker),
			State:   t.State.String(),
			Attempt: t.Attempt,
			Error:   t.Error,
		})
	}
	return view
}

func kindNames(kinds []orchestrator.WorkerKind) []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	return names
}
