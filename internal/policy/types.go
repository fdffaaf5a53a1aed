package policy

import (
	"context"
	"math/big"
	"time"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
)

const (
	dailyPeriod  = 24 * time.Hour
	hourlyPeriod = time.Hour
)

// 策略违规原因。
const (
	ReasonPerTxCap       = "per-tx cap"
	ReasonDailyCap       = "daily cap"
	ReasonHourlyCap      = "hourly cap"
	ReasonNotWhitelisted = "recipient not whitelisted"
)

// Window 是单个智能体的固定窗口计数器。
type Window struct {
	DailySpent  *big.Int `json:"daily_spent"`
	DailyStart  int64    `json:"daily_start"`
	HourlyCount uint64   `json:"hourly_count"`
	HourlyStart int64    `json:"hourly_start"`
}

// Clone 深拷贝窗口。
func (w Window) Clone() Window {
	clone := w
	if w.DailySpent != nil {
		clone.DailySpent = new(big.Int).Set(w.DailySpent)
	} else {
		clone.DailySpent = new(big.Int)
	}
	return clone
}

// Equal 比较两个窗口是否完全一致。
func (w Window) Equal(other Window) bool {
	a, b := w.DailySpent, other.DailySpent
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b) == 0 && w.DailyStart == other.DailyStart &&
		w.HourlyCount == other.HourlyCount && w.HourlyStart == other.HourlyStart
}

// WindowStore 持久化策略窗口。Load 对未知智能体返回零窗口。
type WindowStore interface {
	Load(ctx context.Context, agentID identity.AgentID) (Window, error)
	Save(ctx context.Context, agentID identity.AgentID, window Window) error
}

// BreakerState 是全局熔断器的快照。
type BreakerState struct {
	Tripped   bool          `json:"tripped"`
	TrippedAt int64         `json:"tripped_at"`
	Cooldown  time.Duration `json:"cooldown"`
}

// Registry 是策略引擎依赖的身份注册表能力。
type Registry interface {
	GetPolicy(agentID identity.AgentID) (identity.Policy, error)
	Get(agentID identity.AgentID) (*identity.Agent, error)
}

const (
	CodeSystemPaused         xerrors.Code = "SYSTEM_PAUSED"
	CodeAgentPaused          xerrors.Code = "AGENT_PAUSED"
	CodeCircuitBreakerActive xerrors.Code = "CIRCUIT_BREAKER_ACTIVE"
	CodePolicyViolation      xerrors.Code = "POLICY_VIOLATION"
)

var (
	// ErrSystemPaused 表示全局暂停开关已打开。
	ErrSystemPaused = xerrors.New(CodeSystemPaused, "system paused")
	// ErrAgentPaused 表示该智能体被所有者暂停。
	ErrAgentPaused = xerrors.New(CodeAgentPaused, "agent paused")
	// ErrCircuitBreakerActive 表示熔断器处于冷却期。
	ErrCircuitBreakerActive = xerrors.New(CodeCircuitBreakerActive, "circuit breaker active")
	// ErrPolicyViolation 匹配任何原因的策略违规。
	ErrPolicyViolation = xerrors.New(CodePolicyViolation, "policy violation")
)

func init() {
	xerrors.Register(CodeSystemPaused, xerrors.Attributes{Message: "system paused", Kind: xerrors.KindUnavailable, Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeAgentPaused, xerrors.Attributes{Message: "agent paused", Kind: xerrors.KindRejected, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeCircuitBreakerActive, xerrors.Attributes{Message: "circuit breaker active", Kind: xerrors.KindUnavailable, Severity: xerrors.SeverityWarning, Retryable: true})
	xerrors.Register(CodePolicyViolation, xerrors.Attributes{Message: "policy violation", Kind: xerrors.KindRejected, Severity: xerrors.SeverityWarning})
}

// violation 构造携带具体原因的策略违规错误。
func violation(reason string) error {
	return xerrors.New(CodePolicyViolation, reason, xerrors.WithMetadata("reason", reason))
}
