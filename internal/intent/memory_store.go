package intent

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
)

// MemoryStore 以内存方式保存意图，主要用于测试与单实例部署。
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[common.Hash]*Intent
	nonces  map[identity.AgentID]uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[common.Hash]*Intent),
		nonces:  make(map[identity.AgentID]uint64),
	}
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, in *Intent) error {
	if in == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[in.IntentID]; ok {
		return ErrIntentAlreadyExists
	}
	m.intents[in.IntentID] = in.Clone()
	m.nonces[in.AgentID] = in.Nonce + 1
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id common.Hash) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return in.Clone(), nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, in *Intent) error {
	if in == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[in.IntentID]; !ok {
		return ErrIntentNotFound
	}
	m.intents[in.IntentID] = in.Clone()
	return nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Intent, error) {
	opts.applyDefaults()
	m.mu.RLock()
	matched := make([]*Intent, 0, len(m.intents))
	for _, in := range m.intents {
		if opts.matches(in) {
			matched = append(matched, in.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.CreatedAt == b.CreatedAt {
			if opts.Order == SortByCreatedAsc {
				return a.Nonce < b.Nonce
			}
			return a.Nonce > b.Nonce
		}
		if opts.Order == SortByCreatedAsc {
			return a.CreatedAt < b.CreatedAt
		}
		return a.CreatedAt > b.CreatedAt
	})

	if opts.Offset >= len(matched) {
		return []*Intent{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Nonce 实现 Store 接口。
func (m *MemoryStore) Nonce(_ context.Context, agentID identity.AgentID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonces[agentID], nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
