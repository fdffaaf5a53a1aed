package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "AgentIntent-Chain/internal/errors"
)

// refPrefix 标识内容引用的寻址方式。
const refPrefix = "keccak256:"

// ContentRef 返回承诺对应的内容引用。
func ContentRef(commitment common.Hash) string {
	return refPrefix + commitment.Hex()
}

func parseRef(ref string) (common.Hash, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "无法识别的内容引用")
	}
	return common.HexToHash(strings.TrimPrefix(ref, refPrefix)), nil
}

// MemoryContentStore 是进程内的内容存储。
type MemoryContentStore struct {
	mu     sync.RWMutex
	bodies map[common.Hash][]byte
}

// NewMemoryContentStore 创建 MemoryContentStore。
func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{bodies: make(map[common.Hash][]byte)}
}

// Put 首次写入生效，重复写入保持原内容。
func (m *MemoryContentStore) Put(_ context.Context, commitment common.Hash, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bodies[commitment]; !ok {
		m.bodies[commitment] = append([]byte(nil), body...)
	}
	return ContentRef(commitment), nil
}

// Get 实现 ContentStore 接口。
func (m *MemoryContentStore) Get(_ context.Context, ref string) ([]byte, error) {
	commitment, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.bodies[commitment]
	if !ok {
		return nil, ErrContentNotFound
	}
	return append([]byte(nil), body...), nil
}

// RedisContentStore 使用 SETNX 在 Redis 中保存只写一次的内容。
type RedisContentStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisContentStore 创建 RedisContentStore。
func NewRedisContentStore(client redis.UniversalClient, prefix string) *RedisContentStore {
	if prefix == "" {
		prefix = "intentd"
	}
	return &RedisContentStore{client: client, prefix: prefix}
}

func (r *RedisContentStore) key(commitment common.Hash) string {
	return fmt.Sprintf("%s:audit:content:%s", r.prefix, commitment.Hex())
}

// Put 实现 ContentStore 接口。
func (r *RedisContentStore) Put(ctx context.Context, commitment common.Hash, body []byte) (string, error) {
	if err := r.client.SetNX(ctx, r.key(commitment), body, 0).Err(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计内容失败")
	}
	return ContentRef(commitment), nil
}

// Get 实现 ContentStore 接口。
func (r *RedisContentStore) Get(ctx context.Context, ref string) ([]byte, error) {
	commitment, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	body, err := r.client.Get(ctx, r.key(commitment)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrContentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计内容失败")
	}
	return body, nil
}

var (
	_ ContentStore = (*MemoryContentStore)(nil)
	_ ContentStore = (*RedisContentStore)(nil)
)
