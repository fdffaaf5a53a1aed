package intent

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"AgentIntent-Chain/internal/identity"
)

// Store 抽象了意图与智能体 nonce 的持久化接口。
type Store interface {
	// Insert 写入新意图，并在同一原子操作中把智能体的 nonce 推进到 Nonce+1。
	// 意图 ID 已存在时返回 ErrIntentAlreadyExists。
	Insert(ctx context.Context, in *Intent) error
	Get(ctx context.Context, id common.Hash) (*Intent, error)
	Update(ctx context.Context, in *Intent) error
	List(ctx context.Context, opts ListOptions) ([]*Intent, error)
	Nonce(ctx context.Context, agentID identity.AgentID) (uint64, error)
	Close() error
}
