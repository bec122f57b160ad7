package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory 以内存方式实现 Store，主要用于测试。
type Memory struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	lists    map[string][]string
	subs     map[string][]chan string
	failWith error
}

// NewMemory 创建内存存储。
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		lists:   make(map[string][]string),
		subs:    make(map[string][]chan string),
	}
}

// FailWith 使后续所有操作返回指定错误，用于模拟存储故障。
// 传入 nil 恢复正常。
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Get 实现 Store 接口。
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", false, m.failWith
	}
	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(m.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// SetWithTTL 实现 Store 接口。
func (m *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.entries[key] = newEntry(value, ttl)
	return nil
}

// SetNX 实现 Store 接口。
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	if entry, ok := m.entries[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	m.entries[key] = newEntry(value, ttl)
	return true, nil
}

// Delete 实现 Store 接口。
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	delete(m.entries, key)
	delete(m.lists, key)
	return nil
}

// Exists 实现 Store 接口。
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		return false, nil
	}
	return true, nil
}

// ListPush 实现 Store 接口。
func (m *Memory) ListPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.lists[key] = append(m.lists[key], value)
	return nil
}

// ListRange 实现 Store 接口。
func (m *Memory) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	list := m.lists[key]
	length := int64(len(list))
	if start < 0 {
		start = length + start
	}
	if stop < 0 {
		stop = length + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if length == 0 || start > stop {
		return nil, nil
	}
	result := make([]string, 0, stop-start+1)
	result = append(result, list[start:stop+1]...)
	return result, nil
}

// ListRemove 实现 Store 接口。
func (m *Memory) ListRemove(_ context.Context, key, value string, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if count <= 0 {
		count = int64(len(m.lists[key]))
	}
	removed := int64(0)
	filtered := m.lists[key][:0]
	for _, item := range m.lists[key] {
		if item == value && removed < count {
			removed++
			continue
		}
		filtered = append(filtered, item)
	}
	m.lists[key] = filtered
	return nil
}

// ListLen 实现 Store 接口。
func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	return int64(len(m.lists[key])), nil
}

// Publish 将通知投递给所有订阅者。无订阅者时静默丢弃。
func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	for _, sub := range m.subs[channel] {
		select {
		case sub <- payload:
		default:
		}
	}
	return nil
}

// Subscribe 返回接收指定通道通知的 channel，供测试观察实时公告。
func (m *Memory) Subscribe(channel string) <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 16)
	m.subs[channel] = append(m.subs[channel], ch)
	return ch
}

// Close 实现 Store 接口。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.subs = make(map[string][]chan string)
	return nil
}

func newEntry(value string, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	return entry
}

var _ Store = (*Memory)(nil)
