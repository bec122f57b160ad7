package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"FlowMesh/pkg/logger"
)

// Config 描述了 FlowMesh 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	KV        KVConfig        `json:"kv"`
	Events    EventsConfig    `json:"events"`
	Agents    AgentsConfig    `json:"agents"`
	Messaging MessagingConfig `json:"messaging"`
	Limits    LimitsConfig    `json:"limits"`
	Logger    logger.Config   `json:"logger"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述工作流定义与执行记录的持久化后端。
type StorageConfig struct {
	WorkflowStore WorkflowStoreConfig `json:"workflow_store"`
}

// WorkflowStoreConfig 支持 memory 与 mysql 两种驱动。
type WorkflowStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// KVConfig 描述消息与资源租约使用的键值存储。
type KVConfig struct {
	Driver   string `json:"driver"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EventsConfig 描述生命周期事件的发布通道。
type EventsConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url"`
	Queue  string `json:"queue"`
}

// AgentsConfig 指向远程智能体注册表文件。
type AgentsConfig struct {
	RegistryPath string `json:"registry_path"`
}

// MessagingConfig 控制可靠消息层的键前缀。
type MessagingConfig struct {
	KeyPrefix string `json:"key_prefix"`
}

// LimitsConfig 约束单租户的并发执行数与租约时长。
type LimitsConfig struct {
	MaxConcurrentExecutions  int `json:"max_concurrent_executions"`
	ExecutionLeaseTTLSeconds int `json:"execution_lease_ttl_seconds"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回无需配置文件即可运行的默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.WorkflowStore.Driver == "" {
		c.Storage.WorkflowStore.Driver = "memory"
	}

	if c.KV.Driver == "" {
		c.KV.Driver = "memory"
	}
	if c.KV.Driver == "redis" && c.KV.Addr == "" {
		c.KV.Addr = "127.0.0.1:6379"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Driver == "rabbitmq" && c.Events.Queue == "" {
		c.Events.Queue = "flowmesh.events"
	}

	if c.Agents.RegistryPath != "" && !filepath.IsAbs(c.Agents.RegistryPath) {
		c.Agents.RegistryPath = filepath.Join(baseDir, c.Agents.RegistryPath)
	}

	if c.Messaging.KeyPrefix == "" {
		c.Messaging.KeyPrefix = "flowmesh"
	}

	if c.Limits.MaxConcurrentExecutions <= 0 {
		c.Limits.MaxConcurrentExecutions = 10
	}
	if c.Limits.ExecutionLeaseTTLSeconds <= 0 {
		c.Limits.ExecutionLeaseTTLSeconds = 3600
	}
}
