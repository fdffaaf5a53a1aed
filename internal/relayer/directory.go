package relayer

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/pkg/logger"
)

// DefaultMinStake 为 1 ether。
var DefaultMinStake = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Directory 维护中继记录与活跃集合。
// 活跃集合是有序切片，Select 的并列结果按该顺序取第一个。
type Directory struct {
	mu       sync.Mutex
	relayers map[common.Address]*Relayer
	active   []common.Address
	index    map[common.Address]int
	minStake *big.Int
	vault    StakeVault
	now      func() time.Time
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Directory)

// WithMinStake 设置最低质押。
func WithMinStake(amount *big.Int) Option {
	return func(d *Directory) {
		if amount != nil && amount.Sign() >= 0 {
			d.minStake = new(big.Int).Set(amount)
		}
	}
}

// WithVault 替换默认的内存质押账本。
func WithVault(vault StakeVault) Option {
	return func(d *Directory) {
		if vault != nil {
			d.vault = vault
		}
	}
}

// WithClock 指定时间来源。
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDirectory 创建中继目录。
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		relayers: make(map[common.Address]*Relayer),
		index:    make(map[common.Address]int),
		minStake: new(big.Int).Set(DefaultMinStake),
		vault:    NewMemoryVault(),
		now:      time.Now,
		log:      logger.Named("relayer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// MinStake 返回最低质押门槛。
func (d *Directory) MinStake() *big.Int {
	return new(big.Int).Set(d.minStake)
}

// Register 以 stake 注册调用者为活跃中继。
// 曾经注销过的中继重新注册时保留历史信誉与计数。
func (d *Directory) Register(ctx context.Context, caller common.Address, stake *big.Int) (*Relayer, error) {
	if caller == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "中继地址不能为空")
	}
	if stake == nil || stake.Cmp(d.minStake) < 0 || stake.Sign() <= 0 {
		return nil, ErrInsufficientStake
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.relayers[caller]
	if ok && existing.Active {
		return nil, ErrAlreadyRegistered
	}
	if err := d.vault.Deposit(ctx, caller, stake); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "托管质押失败")
	}

	now := d.now().Unix()
	record := existing
	if record == nil {
		record = &Relayer{
			Address:      caller,
			Reputation:   InitialReputation,
			RegisteredAt: now,
		}
		d.relayers[caller] = record
	}
	record.Stake = new(big.Int).Set(stake)
	record.Active = true
	d.index[caller] = len(d.active)
	d.active = append(d.active, caller)

	logger.Audit().Info("中继注册成功",
		slog.String("relayer", caller.Hex()),
		slog.String("stake", stake.String()),
		slog.Uint64("reputation", record.Reputation),
	)
	return record.clone(), nil
}

// Unregister 将调用者移出活跃集合并退还质押。
func (d *Directory) Unregister(ctx context.Context, caller common.Address) (*big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.relayers[caller]
	if !ok || !record.Active {
		return nil, ErrNotRegistered
	}
	refund, err := d.vault.Withdraw(ctx, caller)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "退还质押失败")
	}

	pos := d.index[caller]
	last := len(d.active) - 1
	if pos != last {
		moved := d.active[last]
		d.active[pos] = moved
		d.index[moved] = pos
	}
	d.active = d.active[:last]
	delete(d.index, caller)

	record.Active = false
	record.Stake = new(big.Int)

	logger.Audit().Info("中继已注销",
		slog.String("relayer", caller.Hex()),
		slog.String("refund", refund.String()),
	)
	return refund, nil
}

// Select 为意图挑选得分最高的活跃中继。
// 分数严格更高才会替换当前候选，因此并列时活跃集合中靠前者胜出。
func (d *Directory) Select(intentID common.Hash) (common.Address, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.active) == 0 {
		return common.Address{}, ErrNoActiveRelayers
	}
	now := d.now().Unix()

	var (
		best      common.Address
		bestScore uint64
		found     bool
	)
	for _, addr := range d.active {
		score := d.relayers[addr].score(now)
		if !found || score > bestScore {
			best, bestScore, found = addr, score, true
		}
	}
	d.log.Debug("已选择中继",
		slog.String("intent_id", intentID.Hex()),
		slog.String("relayer", best.Hex()),
		slog.Uint64("score", bestScore),
	)
	return best, nil
}

func (r *Relayer) score(now int64) uint64 {
	score := r.Reputation
	if r.LastActive > 0 && now-r.LastActive <= RecencyWindowSecs {
		score += RecencyBonus
	}
	if r.Processed > 0 {
		if rate := r.SuccessRate(); rate < SuccessRateFloor {
			score = score * rate / 100
		}
	}
	return score
}

// Score 返回中继在当前时刻的选择得分。
func (d *Directory) Score(relayer common.Address) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.relayers[relayer]
	if !ok {
		return 0, ErrNotRegistered
	}
	return record.score(d.now().Unix()), nil
}

// UpdateReputation 记录一次处理结果。
func (d *Directory) UpdateReputation(relayer common.Address, success bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.relayers[relayer]
	if !ok {
		return ErrNotRegistered
	}
	record.Processed++
	if success {
		record.Succeeded++
		record.Reputation += SuccessIncrement
		if record.Reputation > MaxReputation {
			record.Reputation = MaxReputation
		}
	} else if record.Reputation >= MinReputation+FailurePenalty {
		record.Reputation -= FailurePenalty
	} else {
		record.Reputation = MinReputation
	}
	record.LastActive = d.now().Unix()

	d.log.Info("中继信誉更新",
		slog.String("relayer", relayer.Hex()),
		slog.Bool("success", success),
		slog.Uint64("reputation", record.Reputation),
		slog.Uint64("processed", record.Processed),
	)
	return nil
}

// Get 返回中继记录的副本。
func (d *Directory) Get(relayer common.Address) (*Relayer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.relayers[relayer]
	if !ok {
		return nil, ErrNotRegistered
	}
	return record.clone(), nil
}

// IsActive 判断地址是否为活跃中继。
func (d *Directory) IsActive(relayer common.Address) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.relayers[relayer]
	return ok && record.Active
}

// ActiveRelayers 按活跃集合顺序返回地址。
func (d *Directory) ActiveRelayers() []common.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]common.Address(nil), d.active...)
}
