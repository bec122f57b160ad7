// Package event 定义工作流生命周期事件及其发布通道。
package event
