package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionContext 是一次会话期间所有执行共享的上下文记录。
type SessionContext struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	refs int
}

// SessionRegistry 以会话 ID 为键管理会话上下文。
// 同一会话的并发执行共享一条记录，引用计数归零时记录被删除。
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*SessionContext
}

// NewSessionRegistry 创建空的会话注册表。
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*SessionContext)}
}

// Acquire 获取或创建指定会话的上下文。
// sessionID 为空时生成新会话。返回的 ID 必须在结束时传给 Release。
func (r *SessionRegistry) Acquire(sessionID, tenantID string) *SessionContext {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.sessions[sessionID]
	if !ok {
		sc = &SessionContext{ID: sessionID, TenantID: tenantID, CreatedAt: time.Now()}
		r.sessions[sessionID] = sc
	}
	sc.refs++
	return sc
}

// Lookup 查找会话上下文。
func (r *SessionRegistry) Lookup(sessionID string) (*SessionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.sessions[sessionID]
	return sc, ok
}

// Release 释放一次 Acquire。最后一次释放删除记录。
func (r *SessionRegistry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	sc.refs--
	if sc.refs <= 0 {
		delete(r.sessions, sessionID)
	}
}

// Len 返回当前活跃会话数。
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
