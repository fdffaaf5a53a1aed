package intent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/events"
	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/pkg/logger"
)

// DefaultTimelock 是提交到执行之间的默认等待时间。
const DefaultTimelock = 60 * time.Second

// Registry 是引擎依赖的身份注册表能力。
type Registry interface {
	Get(agentID identity.AgentID) (*identity.Agent, error)
}

// PolicyChecker 是引擎依赖的限额检查能力。
type PolicyChecker interface {
	CheckAndReserve(ctx context.Context, agentID identity.AgentID, value *big.Int, recipient common.Address) error
	Release(ctx context.Context, agentID identity.AgentID, value *big.Int) error
}

// RelayerAuthorizer 判断地址是否为活跃中继。
type RelayerAuthorizer interface {
	IsActive(relayer common.Address) bool
}

// DomainValidator 判断执行域是否受支持。
type DomainValidator interface {
	SupportsDomain(id uint64) bool
}

// Dispatcher 把已通过校验的意图交付到目标域。
// 投递期间引擎拒绝一切写操作，实现方不得回调引擎的写接口。
type Dispatcher interface {
	Dispatch(ctx context.Context, in *Intent, payload Payload) error
}

// DispatcherFunc 将普通函数适配为 Dispatcher。
type DispatcherFunc func(ctx context.Context, in *Intent, payload Payload) error

// Dispatch 实现 Dispatcher 接口。
func (f DispatcherFunc) Dispatch(ctx context.Context, in *Intent, payload Payload) error {
	return f(ctx, in, payload)
}

// Engine 是意图生命周期的唯一写入方。
type Engine struct {
	mu         sync.Mutex
	store      Store
	registry   Registry
	policy     PolicyChecker
	relayers   RelayerAuthorizer
	domain     Domain
	timelock   time.Duration
	publisher  events.Publisher
	dispatcher Dispatcher
	validator  DomainValidator
	now        func() time.Time
	log        *slog.Logger

	// 目标域投递进行中。
	callout atomic.Bool
}

// Option 定义可选配置。
type Option func(*Engine)

// WithStore 替换默认的内存存储。
func WithStore(store Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithTimelock 设置时间锁长度。
func WithTimelock(timelock time.Duration) Option {
	return func(e *Engine) {
		if timelock >= 0 {
			e.timelock = timelock
		}
	}
}

// WithPublisher 设置事件发布者。
func WithPublisher(publisher events.Publisher) Option {
	return func(e *Engine) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

// WithDispatcher 设置目标域投递器。
func WithDispatcher(dispatcher Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = dispatcher
	}
}

// WithDomainValidator 启用执行域校验。
func WithDomainValidator(validator DomainValidator) Option {
	return func(e *Engine) {
		e.validator = validator
	}
}

// WithClock 指定时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 构造意图引擎。
func NewEngine(domain Domain, registry Registry, policy PolicyChecker, relayers RelayerAuthorizer, opts ...Option) *Engine {
	e := &Engine{
		store:     NewMemoryStore(),
		registry:  registry,
		policy:    policy,
		relayers:  relayers,
		domain:    domain,
		timelock:  DefaultTimelock,
		publisher: events.Discard,
		now:       time.Now,
		log:       logger.Named("intent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Domain 返回签名域参数。
func (e *Engine) Domain() Domain {
	return e.domain
}

// Timelock 返回时间锁长度。
func (e *Engine) Timelock() time.Duration {
	return e.timelock
}

// Emit 校验签名意图并以 pending 状态登记。
func (e *Engine) Emit(ctx context.Context, desc Descriptor, signature []byte) (*Intent, error) {
	gctx, err := e.enterMutation(ctx)
	if err != nil {
		return nil, err
	}
	if desc.IntentID == (common.Hash{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "intent_id 不能为空")
	}
	if desc.AgentID == (identity.AgentID{}) {
		return nil, identity.ErrInvalidAgentID
	}
	if desc.Value == nil || desc.Value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "value 必须为非负数")
	}

	out := e.newOutbox(ctx)
	defer out.flush()
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.store.Get(gctx, desc.IntentID); err == nil {
		return nil, ErrIntentAlreadyExists
	} else if !stdErrors.Is(err, ErrIntentNotFound) {
		return nil, err
	}

	now := e.now()
	if desc.Expiry < now.Unix() {
		return nil, ErrIntentExpired
	}
	if e.validator != nil && (!e.validator.SupportsDomain(desc.SourceDomain) || !e.validator.SupportsDomain(desc.DestinationDomain)) {
		return nil, ErrUnsupportedDomain
	}

	current, err := e.store.Nonce(gctx, desc.AgentID)
	if err != nil {
		return nil, err
	}
	if desc.Nonce != current {
		return nil, xerrors.New(CodeInvalidNonce, "invalid nonce",
			xerrors.WithMetadata("expected", strconv.FormatUint(current, 10)),
			xerrors.WithMetadata("got", strconv.FormatUint(desc.Nonce, 10)),
		)
	}

	signer, err := e.domain.Recover(desc, signature)
	if err != nil {
		return nil, err
	}

	agent, err := e.registry.Get(desc.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.Active || agent.Signer != signer {
		return nil, identity.ErrUnauthorizedCaller
	}

	if err := e.policy.CheckAndReserve(gctx, desc.AgentID, desc.Value, desc.Recipient); err != nil {
		return nil, err
	}

	in := &Intent{
		Descriptor: desc.clone(),
		Signature:  append([]byte(nil), signature...),
		Signer:     signer,
		Status:     StatusPending,
		CreatedAt:  now.Unix(),
		UpdatedAt:  now.Unix(),
	}
	if err := e.store.Insert(gctx, in); err != nil {
		if releaseErr := e.policy.Release(gctx, desc.AgentID, desc.Value); releaseErr != nil {
			e.log.Error("回滚策略预留失败", slog.Any("error", releaseErr), slog.String("intent_id", desc.IntentID.Hex()))
		}
		return nil, err
	}

	e.audit("意图已登记", in)
	out.add(events.TypeIntentEmitted, in, now, map[string]string{
		"nonce":              strconv.FormatUint(in.Nonce, 10),
		"signer":             signer.Hex(),
		"source_domain":      strconv.FormatUint(in.SourceDomain, 10),
		"destination_domain": strconv.FormatUint(in.DestinationDomain, 10),
		"action_hash":        in.ActionHash.Hex(),
		"value":              in.Value.String(),
		"recipient":          in.Recipient.Hex(),
		"expiry":             strconv.FormatInt(in.Expiry, 10),
	})
	return in.Clone(), nil
}

// Submit 由活跃中继认领 pending 意图。
func (e *Engine) Submit(ctx context.Context, intentID common.Hash, relayer common.Address) (*Intent, error) {
	gctx, err := e.enterMutation(ctx)
	if err != nil {
		return nil, err
	}

	out := e.newOutbox(ctx)
	defer out.flush()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.relayers == nil || !e.relayers.IsActive(relayer) {
		return nil, ErrUnauthorizedRelayer
	}
	in, err := e.store.Get(gctx, intentID)
	if err != nil {
		return nil, err
	}
	if in.Status != StatusPending {
		return nil, ErrIntentAlreadyProcessed
	}

	now := e.now()
	in.Relayer = relayer
	in.SubmittedAt = now.Unix()
	in.Status = StatusSubmitted
	in.UpdatedAt = now.Unix()
	if err := e.store.Update(gctx, in); err != nil {
		return nil, err
	}

	e.audit("意图已提交", in)
	out.add(events.TypeIntentSubmitted, in, now, map[string]string{
		"relayer":       relayer.Hex(),
		"submitted_at":  strconv.FormatInt(in.SubmittedAt, 10),
		"executable_at": strconv.FormatInt(in.SubmittedAt+int64(e.timelock/time.Second), 10),
	})
	return in.Clone(), nil
}

// Execute 在时间锁到期后校验载荷并完成意图。
func (e *Engine) Execute(ctx context.Context, intentID common.Hash, payload []byte) (*Intent, error) {
	gctx, err := e.enterMutation(ctx)
	if err != nil {
		return nil, err
	}

	out := e.newOutbox(ctx)
	defer out.flush()
	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.store.Get(gctx, intentID)
	if err != nil {
		return nil, err
	}
	if in.Status != StatusSubmitted {
		return nil, ErrIntentAlreadyProcessed
	}
	now := e.now()
	if now.Before(time.Unix(in.SubmittedAt, 0).Add(e.timelock)) {
		return nil, ErrTimelockNotExpired
	}
	decoded, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	if !decoded.Matches(in.Descriptor) {
		return nil, ErrActionMismatch
	}

	if e.dispatcher != nil {
		dispatchErr := e.callOut(func() error {
			return e.dispatcher.Dispatch(gctx, in.Clone(), decoded)
		})
		if dispatchErr != nil {
			return e.failLocked(gctx, out, in, dispatchErr)
		}
	}

	in.Status = StatusExecuted
	in.ExecutedAt = now.Unix()
	in.UpdatedAt = now.Unix()
	if err := e.store.Update(gctx, in); err != nil {
		return nil, err
	}

	e.audit("意图已执行", in)
	out.add(events.TypeIntentExecuted, in, now, map[string]string{
		"relayer":     in.Relayer.Hex(),
		"executed_at": strconv.FormatInt(in.ExecutedAt, 10),
		"value":       in.Value.String(),
		"recipient":   in.Recipient.Hex(),
	})
	return in.Clone(), nil
}

func (e *Engine) failLocked(ctx context.Context, out *outbox, in *Intent, cause error) (*Intent, error) {
	now := e.now()
	in.Status = StatusFailed
	in.FailureReason = cause.Error()
	in.UpdatedAt = now.Unix()
	if err := e.store.Update(ctx, in); err != nil {
		return nil, err
	}
	e.log.Warn("目标域投递失败", slog.String("intent_id", in.IntentID.Hex()), slog.Any("error", cause))
	e.audit("意图执行失败", in)
	out.add(events.TypeIntentFailed, in, now, map[string]string{
		"relayer": in.Relayer.Hex(),
		"reason":  in.FailureReason,
	})
	return in.Clone(), xerrors.Wrap(CodeDispatchFailed, cause, "dispatch failed")
}

// Dispute 对已提交或已执行的意图提出争议。
func (e *Engine) Dispute(ctx context.Context, intentID common.Hash, disputer common.Address, reason string) (*Intent, error) {
	gctx, err := e.enterMutation(ctx)
	if err != nil {
		return nil, err
	}

	out := e.newOutbox(ctx)
	defer out.flush()
	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.store.Get(gctx, intentID)
	if err != nil {
		return nil, err
	}
	if in.Status != StatusSubmitted && in.Status != StatusExecuted {
		return nil, ErrIntentAlreadyProcessed
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrDisputeReasonRequired
	}

	now := e.now()
	previous := in.Status
	in.Status = StatusDisputed
	in.DisputedBy = disputer
	in.DisputeReason = reason
	in.UpdatedAt = now.Unix()
	if err := e.store.Update(gctx, in); err != nil {
		return nil, err
	}

	e.audit("意图进入争议", in)
	out.add(events.TypeIntentDisputed, in, now, map[string]string{
		"disputer":        disputer.Hex(),
		"reason":          reason,
		"previous_status": string(previous),
		"relayer":         in.Relayer.Hex(),
	})
	return in.Clone(), nil
}

// GetNonce 返回智能体下一个可用的 nonce。
func (e *Engine) GetNonce(ctx context.Context, agentID identity.AgentID) (uint64, error) {
	gctx, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	return e.store.Nonce(gctx, agentID)
}

// GetIntent 返回意图记录。
func (e *Engine) GetIntent(ctx context.Context, intentID common.Hash) (*Intent, error) {
	gctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.Get(gctx, intentID)
}

// List 按条件列出意图。
func (e *Engine) List(ctx context.Context, opts ...ListOption) ([]*Intent, error) {
	gctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.List(gctx, BuildListOptions(opts...))
}

func (e *Engine) audit(msg string, in *Intent) {
	logger.Audit().Info(msg,
		slog.String("intent_id", in.IntentID.Hex()),
		slog.String("agent_id", in.AgentID.Hex()),
		slog.String("status", string(in.Status)),
		slog.Uint64("nonce", in.Nonce),
	)
}
