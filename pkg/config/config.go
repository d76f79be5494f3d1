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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API          APIConfig          `mapstructure:"api"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Store        StoreConfig        `mapstructure:"store"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Model        ModelConfig        `mapstructure:"model"`
	Log          LogConfig          `mapstructure:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Timeout string `mapstructure:"timeout"`
}

// OrchestratorConfig Planner 重试、backoff、超时与 sweep 配置
type OrchestratorConfig struct {
	MaxAttempts         int    `mapstructure:"max_attempts"`          // Task 最大执行次数（含首次），<=0 默认 3
	BackoffBase         string `mapstructure:"backoff_base"`          // 重试 backoff 基值，如 "1s"，空则默认 1s
	BackoffCap          string `mapstructure:"backoff_cap"`           // backoff 上限，如 "60s"，空则默认 60s
	DefaultTaskDeadline string `mapstructure:"default_task_deadline"` // 单次执行截止时长，如 "2m"，空则默认 2m
	VisibilityTimeout   string `mapstructure:"visibility_timeout"`    // 队列可见性窗口，应 ≥ 单次执行预期上限，空则默认 5m
	SweepInterval       string `mapstructure:"sweep_interval"`        // 后台 sweep 周期，如 "10s"，空则默认 10s
	// SweepEnabled 为 false 时本进程不跑 sweep（多实例部署时仅一处开启即可；sweep 本身幂等，多开不破坏正确性）
	SweepEnabled *bool `mapstructure:"sweep_enabled"`
}

// StoreConfig Job Store 配置
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// QueueConfig Dispatch Queue 配置
type QueueConfig struct {
	Type     string `mapstructure:"type"`     // memory | postgres | redis
	DSN      string `mapstructure:"dsn"`      // Postgres 连接串，type=postgres 时必填
	Addr     string `mapstructure:"addr"`     // Redis 地址，type=redis 时必填
	DB       int    `mapstructure:"db"`       // Redis DB 编号
	Password string `mapstructure:"password"` // Redis 密码，可选
}

// WorkerConfig Worker Executor 配置
type WorkerConfig struct {
	// Enabled 为 false 时 API 进程不启动进程内 Executor，由独立 Worker 进程消费（分布式模式）；未配置时默认 false
	Enabled      *bool   `mapstructure:"enabled"`
	Concurrency  int     `mapstructure:"concurrency"`   // 单进程并发执行数，<=0 默认 2
	PollInterval string  `mapstructure:"poll_interval"` // Dequeue 空轮询间隔，如 "200ms"
	DequeueQPS   float64 `mapstructure:"dequeue_qps"`   // Dequeue 速率上限，<=0 不限
}

// CacheConfig 终态 Job 状态读缓存配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	TTL      string `mapstructure:"ttl"` // 终态缓存时长，如 "10m"
}

// ModelConfig 模型配置（Worker 内各分析 Agent 共用）
type ModelConfig struct {
	Provider ProviderConfig `mapstructure:"provider"`
}

// ProviderConfig 模型提供商配置（OpenAI 兼容接口）
type ProviderConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Name        string  `mapstructure:"name"`
	Temperature float64 `mapstructure:"temperature"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换配置中的环境变量（${VAR} 形式的模型 API Key）
func replaceEnvVars(config *Config) {
	if strings.HasPrefix(config.Model.Provider.APIKey, "$") {
		envVar := strings.TrimPrefix(strings.TrimSuffix(config.Model.Provider.APIKey, "}"), "${")
		if val := os.Getenv(envVar); val != "" {
			config.Model.Provider.APIKey = val
		}
	}
}

// LoadAPIConfig 加载 API 配置（仅 configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（仅 configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Duration 解析时长字段；空或非法时返回 fallback
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
