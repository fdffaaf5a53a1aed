package policy

import (
	"context"
	"sync"

	"AgentIntent-Chain/internal/identity"
)

// MemoryWindowStore 以内存方式保存窗口，主要用于单实例部署与测试。
type MemoryWindowStore struct {
	mu      sync.RWMutex
	windows map[identity.AgentID]Window
}

// NewMemoryWindowStore 创建 MemoryWindowStore。
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[identity.AgentID]Window)}
}

// Load 实现 WindowStore 接口。
func (m *MemoryWindowStore) Load(_ context.Context, agentID identity.AgentID) (Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.windows[agentID].Clone(), nil
}

// Save 实现 WindowStore 接口。
func (m *MemoryWindowStore) Save(_ context.Context, agentID identity.AgentID, window Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[agentID] = window.Clone()
	return nil
}

var _ WindowStore = (*MemoryWindowStore)(nil)
