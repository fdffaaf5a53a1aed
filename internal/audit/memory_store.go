package audit

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AgentIntent-Chain/internal/identity"
)

// MemoryStore 以内存方式保存审计轨迹。
type MemoryStore struct {
	mu          sync.RWMutex
	entries     []Entry
	byAgent     map[identity.AgentID][]uint64
	commitments map[common.Hash]struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAgent:     make(map[identity.AgentID][]uint64),
		commitments: make(map[common.Hash]struct{}),
	}
}

// HasCommitment 实现 Store 接口。
func (m *MemoryStore) HasCommitment(_ context.Context, commitment common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.commitments[commitment]
	return ok, nil
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commitments[entry.Commitment]; ok {
		return ErrCommitmentAlreadyExists
	}
	entry.Index = uint64(len(m.entries))
	m.entries = append(m.entries, entry)
	m.byAgent[entry.AgentID] = append(m.byAgent[entry.AgentID], entry.Index)
	m.commitments[entry.Commitment] = struct{}{}
	return nil
}

// Trail 实现 Store 接口。
func (m *MemoryStore) Trail(_ context.Context, agentID identity.AgentID) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	indexes := m.byAgent[agentID]
	trail := make([]Entry, 0, len(indexes))
	for _, idx := range indexes {
		trail = append(trail, m.entries[idx])
	}
	return trail, nil
}

// Entry 实现 Store 接口。
func (m *MemoryStore) Entry(_ context.Context, index uint64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index >= uint64(len(m.entries)) {
		return Entry{}, ErrEntryNotFound
	}
	return m.entries[index], nil
}

// AgentCount 实现 Store 接口。
func (m *MemoryStore) AgentCount(_ context.Context, agentID identity.AgentID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.byAgent[agentID])), nil
}

// TotalCount 实现 Store 接口。
func (m *MemoryStore) TotalCount(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

var _ Store = (*MemoryStore)(nil)
