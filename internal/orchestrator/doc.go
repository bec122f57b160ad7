// Package orchestrator 是工作流系统的顶层入口，
// 负责定义生命周期管理、租户隔离、会话上下文与执行事件。
package orchestrator
