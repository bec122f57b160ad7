package event

import (
	"context"
	"time"
)

// Type 标识一次工作流生命周期事件。
type Type string

const (
	ExecutionStarted   Type = "workflow_execution_started"
	ExecutionCompleted Type = "workflow_execution_completed"
	ExecutionFailed    Type = "workflow_execution_failed"
	ExecutionCancelled Type = "workflow_execution_cancelled"
)

// Event 描述一条工作流生命周期事件。
type Event struct {
	Type        Type   `json:"type"`
	ExecutionID string `json:"executionId"`
	WorkflowID  string `json:"workflowId"`
	SessionID   string `json:"sessionId,omitempty"`
	TenantID    string `json:"tenantId"`
	Timestamp   int64  `json:"timestamp"`
	DurationMS  int64  `json:"durationMs,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Stamp 填充事件时间戳（若未设置）。
func (e *Event) Stamp() {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
}

// Publisher 负责对外发布工作流生命周期事件。
// 事件发布失败不应阻断主流程，调用方只记录日志。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}
