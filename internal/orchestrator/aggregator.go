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

package orchestrator

import (
	"encoding/json"

	pkgerrors "finagent-platform/pkg/errors"
)

// Section 合成结果中单个 worker 的输出段
type Section struct {
	Worker   WorkerKind      `json:"worker"`
	Optional bool            `json:"optional,omitempty"`
	Output   json.RawMessage `json:"output"`
}

// CompositeResult Job 的最终合成输出
type CompositeResult struct {
	JobID    string    `json:"job_id"`
	Sections []Section `json:"sections"`
}

// Aggregator 纯函数聚合器：按 Job.RequiredWorkers 的规范顺序折叠各 Task 输出。
// 不读墙钟、不看 Task 完成顺序，相同输入字节级相同输出
type Aggregator struct{}

// NewAggregator 创建聚合器
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Aggregate 折叠终态 Task 输出为合成结果。必需 worker 任何一个未 Succeeded 即
// ErrIncompleteAggregation（Planner 的门禁保证不应发生）；可选 worker 仅收录成功者
func (a *Aggregator) Aggregate(job *Job, tasks []*Task) (json.RawMessage, error) {
	byKind := make(map[WorkerKind]*Task, len(tasks))
	for _, t := range tasks {
		byKind[t.Worker] = t
	}
	out := CompositeResult{JobID: job.ID, Sections: make([]Section, 0, len(tasks))}
	for _, k := range job.RequiredWorkers {
		t, ok := byKind[k]
		if !ok || t.State != TaskSucceeded {
			return nil, pkgerrors.Wrapf(ErrIncompleteAggregation, "worker %s", k)
		}
		out.Sections = append(out.Sections, Section{Worker: k, Output: t.Output})
	}
	for _, k := range job.OptionalWorkers {
		t, ok := byKind[k]
		if !ok || t.State != TaskSucceeded {
			continue
		}
		out.Sections = append(out.Sections, Section{Worker: k, Optional: true, Output: t.Output})
	}
	return json.Marshal(out)
}
