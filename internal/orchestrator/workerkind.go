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

// WorkerKind 专职分析 Agent 类型；封闭枚举，wire 层使用字符串保持 schema 稳定
type WorkerKind string

const (
	KindTagger     WorkerKind = "tagger"     // 交易/报表分类
	KindReporter   WorkerKind = "reporter"   // 报告生成
	KindCharter    WorkerKind = "charter"    // 图表数据
	KindRetirement WorkerKind = "retirement" // 退休/长期财务推演
	KindResearcher WorkerKind = "researcher" // 外部资料检索
)

// AllKinds 全部已知类型（按固定顺序）
func AllKinds() []WorkerKind {
	return []WorkerKind{KindTagger, KindReporter, KindCharter, KindRetirement, KindResearcher}
}

// KnownKind 是否为已知类型
func KnownKind(k WorkerKind) bool {
	switch k {
	case KindTagger, KindReporter, KindCharter, KindRetirement, KindResearcher:
		return true
	default:
		return false
	}
}
