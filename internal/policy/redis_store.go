package policy

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/redis/go-redis/v9"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
)

// RedisWindowStore 把每个智能体的窗口保存为一个 Redis hash。
// 引擎本身串行化所有写入，因此这里只做读写，不做并发控制。
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowStore 基于已有客户端创建窗口存储。
func NewRedisWindowStore(client redis.UniversalClient, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "intentd"
	}
	return &RedisWindowStore{client: client, prefix: prefix}
}

func (s *RedisWindowStore) key(agentID identity.AgentID) string {
	return fmt.Sprintf("%s:policy:window:%s", s.prefix, agentID.Hex())
}

// Load 实现 WindowStore 接口。
func (s *RedisWindowStore) Load(ctx context.Context, agentID identity.AgentID) (Window, error) {
	values, err := s.client.HGetAll(ctx, s.key(agentID)).Result()
	if err != nil {
		return Window{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取策略窗口失败")
	}
	window := Window{DailySpent: new(big.Int)}
	if len(values) == 0 {
		return window, nil
	}
	if raw := values["daily_spent"]; raw != "" {
		if _, ok := window.DailySpent.SetString(raw, 10); !ok {
			return Window{}, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("非法的 daily_spent: %q", raw))
		}
	}
	if window.DailyStart, err = parseInt(values["daily_start"]); err != nil {
		return Window{}, err
	}
	if window.HourlyStart, err = parseInt(values["hourly_start"]); err != nil {
		return Window{}, err
	}
	if raw := values["hourly_count"]; raw != "" {
		count, convErr := strconv.ParseUint(raw, 10, 64)
		if convErr != nil {
			return Window{}, xerrors.Wrap(xerrors.CodeStorageFailure, convErr, "非法的 hourly_count")
		}
		window.HourlyCount = count
	}
	return window, nil
}

// Save 实现 WindowStore 接口。
func (s *RedisWindowStore) Save(ctx context.Context, agentID identity.AgentID, window Window) error {
	spent := window.DailySpent
	if spent == nil {
		spent = new(big.Int)
	}
	err := s.client.HSet(ctx, s.key(agentID), map[string]any{
		"daily_spent":  spent.String(),
		"daily_start":  window.DailyStart,
		"hourly_count": window.HourlyCount,
		"hourly_start": window.HourlyStart,
	}).Err()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入策略窗口失败")
	}
	return nil
}

func parseInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "非法的窗口时间戳")
	}
	return v, nil
}

var _ WindowStore = (*RedisWindowStore)(nil)
