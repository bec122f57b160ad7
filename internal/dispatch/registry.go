package dispatch

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAgentTimeout = 30 * time.Second
	defaultMaxRetries   = 3
)

// AgentConfig 描述一个远程 Agent 的调用参数。
type AgentConfig struct {
	BaseURL    string `yaml:"baseUrl"`
	TimeoutSec int    `yaml:"timeoutSeconds"`
	MaxRetries int    `yaml:"maxRetries"`
}

// Timeout 返回该 Agent 的调用超时时间。
func (c AgentConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return defaultAgentTimeout
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// RegistryConfig 是 Agent 注册表的 YAML 配置结构。
type RegistryConfig struct {
	Defaults AgentConfig            `yaml:"defaults"`
	Agents   map[string]AgentConfig `yaml:"agents"`
}

// Registry 保存所有已配置 Agent 的调用参数。
type Registry struct {
	agents map[string]AgentConfig
}

// NewRegistry 从配置表构造注册表，并用 defaults 补齐缺失字段。
func NewRegistry(cfg RegistryConfig) *Registry {
	agents := make(map[string]AgentConfig, len(cfg.Agents))
	for name, agent := range cfg.Agents {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if agent.TimeoutSec <= 0 {
			agent.TimeoutSec = cfg.Defaults.TimeoutSec
		}
		if agent.MaxRetries <= 0 {
			agent.MaxRetries = cfg.Defaults.MaxRetries
		}
		if agent.MaxRetries <= 0 {
			agent.MaxRetries = defaultMaxRetries
		}
		agent.BaseURL = strings.TrimRight(strings.TrimSpace(agent.BaseURL), "/")
		agents[name] = agent
	}
	return &Registry{agents: agents}
}

// LoadRegistry 解析 YAML 文件并构造注册表。
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("agent 配置文件路径为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 agent 配置失败: %w", err)
	}
	var cfg RegistryConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("解析 agent 配置失败: %w", err)
	}
	return NewRegistry(cfg), nil
}

// Lookup 返回指定 Agent 的配置。
func (r *Registry) Lookup(name string) (AgentConfig, bool) {
	if r == nil {
		return AgentConfig{}, false
	}
	agent, ok := r.agents[name]
	return agent, ok
}

// Names 返回所有已注册的 Agent 名称。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}
