package policy

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/pkg/logger"
)

// TripHook 在熔断器跳闸时被调用，调用时引擎锁已释放。
type TripHook func(ctx context.Context, agentID identity.AgentID, state BreakerState)

// Engine 对单个意图做限额检查并在通过后预留额度。
// 所有检查都在任何写入之前完成：被拒绝的请求不会改变窗口状态。
type Engine struct {
	mu          sync.Mutex
	registry    Registry
	windows     WindowStore
	admin       common.Address
	paused      bool
	agentPaused map[identity.AgentID]bool
	breaker     BreakerState
	now         func() time.Time
	onTrip      TripHook
	log         *slog.Logger

	// 最近一次预留前后的窗口，Release 据此精确回滚。
	undo map[identity.AgentID]reservation
}

type reservation struct {
	before Window
	after  Window
}

// Option 定义可选配置。
type Option func(*Engine)

// WithClock 指定时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithWindowStore 替换默认的内存窗口存储。
func WithWindowStore(store WindowStore) Option {
	return func(e *Engine) {
		if store != nil {
			e.windows = store
		}
	}
}

// WithAdmin 指定可以全局暂停与重置熔断器的管理员地址。
func WithAdmin(admin common.Address) Option {
	return func(e *Engine) {
		e.admin = admin
	}
}

// WithCooldown 设置熔断器冷却时长。
func WithCooldown(cooldown time.Duration) Option {
	return func(e *Engine) {
		if cooldown > 0 {
			e.breaker.Cooldown = cooldown
		}
	}
}

// WithTripHook 注册熔断器跳闸回调。
func WithTripHook(hook TripHook) Option {
	return func(e *Engine) {
		e.onTrip = hook
	}
}

// NewEngine 构造策略引擎。
func NewEngine(registry Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		windows:     NewMemoryWindowStore(),
		agentPaused: make(map[identity.AgentID]bool),
		undo:        make(map[identity.AgentID]reservation),
		breaker:     BreakerState{Cooldown: time.Hour},
		now:         time.Now,
		log:         logger.Named("policy"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CheckAndReserve 依次执行全部闸门检查，全部通过后原子地累加窗口。
// 返回 nil 表示通过；否则返回拒绝原因。
func (e *Engine) CheckAndReserve(ctx context.Context, agentID identity.AgentID, value *big.Int, recipient common.Address) error {
	if value == nil || value.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "value 必须为非负数")
	}

	e.mu.Lock()
	tripped, err := e.checkAndReserveLocked(ctx, agentID, value, recipient)
	state := e.breaker
	e.mu.Unlock()

	if tripped {
		e.log.Warn("熔断器已跳闸", slog.String("agent_id", agentID.Hex()), slog.Int64("tripped_at", state.TrippedAt))
		if e.onTrip != nil {
			e.onTrip(ctx, agentID, state)
		}
	}
	if err != nil {
		e.log.Debug("策略检查未通过", slog.String("agent_id", agentID.Hex()), slog.String("reason", xerrors.ReasonOf(err)))
	}
	return err
}

func (e *Engine) checkAndReserveLocked(ctx context.Context, agentID identity.AgentID, value *big.Int, recipient common.Address) (bool, error) {
	now := e.now()

	if e.paused {
		return false, ErrSystemPaused
	}
	if e.agentPaused[agentID] {
		return false, ErrAgentPaused
	}
	if e.breaker.Tripped {
		if now.Before(time.Unix(e.breaker.TrippedAt, 0).Add(e.breaker.Cooldown)) {
			return false, ErrCircuitBreakerActive
		}
		e.breaker.Tripped = false
		e.breaker.TrippedAt = 0
		e.log.Info("熔断器冷却结束，自动恢复")
	}

	policy, err := e.registry.GetPolicy(agentID)
	if err != nil {
		return false, err
	}
	if value.Cmp(policy.MaxValuePerTx) > 0 {
		return false, violation(ReasonPerTxCap)
	}

	stored, err := e.windows.Load(ctx, agentID)
	if err != nil {
		return false, err
	}
	window := stored.Clone()

	nowUnix := now.Unix()
	if !now.Before(time.Unix(window.DailyStart, 0).Add(dailyPeriod)) {
		window.DailySpent = new(big.Int)
		window.DailyStart = nowUnix
	}
	if new(big.Int).Add(window.DailySpent, value).Cmp(policy.MaxSpendPerDay) > 0 {
		return false, violation(ReasonDailyCap)
	}

	if !now.Before(time.Unix(window.HourlyStart, 0).Add(hourlyPeriod)) {
		window.HourlyCount = 0
		window.HourlyStart = nowUnix
	}
	if window.HourlyCount >= policy.MaxTxPerHour {
		tripped := false
		if !e.breaker.Tripped {
			e.breaker.Tripped = true
			e.breaker.TrippedAt = nowUnix
			tripped = true
		}
		return tripped, violation(ReasonHourlyCap)
	}

	if !policy.Allows(recipient) {
		return false, violation(ReasonNotWhitelisted)
	}

	window.DailySpent.Add(window.DailySpent, value)
	window.HourlyCount++
	if err := e.windows.Save(ctx, agentID, window); err != nil {
		return false, err
	}
	e.undo[agentID] = reservation{before: stored.Clone(), after: window.Clone()}
	return false, nil
}

// Release 撤销一次已经通过的预留，用于意图持久化失败后的回滚。
// 若窗口自预留后未被改动，则连同窗口起点一起恢复到预留前的快照；
// 否则只扣回金额与计数。
func (e *Engine) Release(ctx context.Context, agentID identity.AgentID, value *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	window, err := e.windows.Load(ctx, agentID)
	if err != nil {
		return err
	}
	undo, ok := e.undo[agentID]
	delete(e.undo, agentID)
	if ok && window.Equal(undo.after) {
		return e.windows.Save(ctx, agentID, undo.before)
	}

	window = window.Clone()
	if value != nil {
		window.DailySpent.Sub(window.DailySpent, value)
		if window.DailySpent.Sign() < 0 {
			window.DailySpent.SetInt64(0)
		}
	}
	if window.HourlyCount > 0 {
		window.HourlyCount--
	}
	return e.windows.Save(ctx, agentID, window)
}

func (e *Engine) requireAdmin(caller common.Address) error {
	if e.admin == (common.Address{}) || caller != e.admin {
		return identity.ErrUnauthorizedCaller
	}
	return nil
}

// Pause 打开全局暂停开关，仅管理员可调用。
func (e *Engine) Pause(caller common.Address) error {
	return e.setPaused(caller, true)
}

// Unpause 关闭全局暂停开关，仅管理员可调用。
func (e *Engine) Unpause(caller common.Address) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller common.Address, paused bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()
	logger.Audit().Info("全局暂停状态变更", slog.Bool("paused", paused), slog.String("caller", caller.Hex()))
	return nil
}

// PauseAgent 由智能体所有者暂停其意图。
func (e *Engine) PauseAgent(caller common.Address, agentID identity.AgentID) error {
	return e.setAgentPaused(caller, agentID, true)
}

// UnpauseAgent 由智能体所有者恢复其意图。
func (e *Engine) UnpauseAgent(caller common.Address, agentID identity.AgentID) error {
	return e.setAgentPaused(caller, agentID, false)
}

func (e *Engine) setAgentPaused(caller common.Address, agentID identity.AgentID, paused bool) error {
	agent, err := e.registry.Get(agentID)
	if err != nil {
		return err
	}
	if err := identity.RequireOwner(agent, caller); err != nil {
		return err
	}
	e.mu.Lock()
	if paused {
		e.agentPaused[agentID] = true
	} else {
		delete(e.agentPaused, agentID)
	}
	e.mu.Unlock()
	logger.Audit().Info("智能体暂停状态变更", slog.String("agent_id", agentID.Hex()), slog.Bool("paused", paused))
	return nil
}

// ResetCircuitBreaker 由管理员手动清除熔断状态。
func (e *Engine) ResetCircuitBreaker(caller common.Address) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	e.breaker.Tripped = false
	e.breaker.TrippedAt = 0
	e.mu.Unlock()
	logger.Audit().Info("熔断器被手动重置", slog.String("caller", caller.Hex()))
	return nil
}

// IsPaused 返回全局暂停状态。
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// BreakerState 返回熔断器快照。
func (e *Engine) BreakerState() BreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker
}

// WindowState 返回智能体当前存储的窗口，不做过期重置。
func (e *Engine) WindowState(ctx context.Context, agentID identity.AgentID) (Window, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	window, err := e.windows.Load(ctx, agentID)
	if err != nil {
		return Window{}, err
	}
	return window.Clone(), nil
}
