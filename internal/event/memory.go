package event

import (
	"context"
	"sync"
)

// MemoryPublisher 将事件保存在内存中，主要用于单机部署与测试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher 创建内存事件发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 实现 Publisher 接口。
func (p *MemoryPublisher) Publish(_ context.Context, evt Event) error {
	evt.Stamp()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

// Events 返回已发布事件的副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Close 实现 Publisher 接口。
func (p *MemoryPublisher) Close() error {
	return nil
}

var _ Publisher = (*MemoryPublisher)(nil)
