package relayer

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
)

// StakeVault 托管中继的质押资金。
type StakeVault interface {
	Deposit(ctx context.Context, relayer common.Address, amount *big.Int) error
	Withdraw(ctx context.Context, relayer common.Address) (*big.Int, error)
	Balance(ctx context.Context, relayer common.Address) (*big.Int, error)
}

// MemoryVault 是进程内的质押账本。
type MemoryVault struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

// NewMemoryVault 创建空账本。
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{balances: make(map[common.Address]*big.Int)}
}

// Deposit 实现 StakeVault 接口。
func (v *MemoryVault) Deposit(_ context.Context, relayer common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "质押金额必须为正数")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	current, ok := v.balances[relayer]
	if !ok {
		current = new(big.Int)
		v.balances[relayer] = current
	}
	current.Add(current, amount)
	return nil
}

// Withdraw 取出全部质押。
func (v *MemoryVault) Withdraw(_ context.Context, relayer common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	current, ok := v.balances[relayer]
	if !ok {
		return new(big.Int), nil
	}
	delete(v.balances, relayer)
	return current, nil
}

// Balance 返回当前质押余额。
func (v *MemoryVault) Balance(_ context.Context, relayer common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if current, ok := v.balances[relayer]; ok {
		return new(big.Int).Set(current), nil
	}
	return new(big.Int), nil
}

var _ StakeVault = (*MemoryVault)(nil)
