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
	"github.com/cloudwego/hertz/pkg/app/server"
)

// RegisterRoutes 注册分析作业路由
func RegisterRoutes(h *server.Hertz, handler *Handler) {
	h.GET("/health", handler.HealthCheck)
	h.GET("/metrics", handler.Metrics)

	api := h.Group("/api/v1")
	{
		analyses := api.Group("/analyses")
		analyses.POST("", handler.SubmitAnalysis)
		analyses.GET("/:id", handler.GetAnalysis)
		analyses.POST("/:id/cancel", handler.CancelAnalysis)
	}
}
