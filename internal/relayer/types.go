package relayer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
)

// 信誉相关常量。
const (
	MinReputation     uint64 = 0
	MaxReputation     uint64 = 100
	InitialReputation uint64 = 50

	RecencyBonus      uint64 = 10
	SuccessRateFloor  uint64 = 80
	SuccessIncrement  uint64 = 1
	FailurePenalty    uint64 = 5
	RecencyWindowSecs int64  = 3600
)

// Relayer 描述目录中的一条中继记录。
type Relayer struct {
	Address      common.Address `json:"address"`
	Stake        *big.Int       `json:"stake"`
	Reputation   uint64         `json:"reputation"`
	Processed    uint64         `json:"processed"`
	Succeeded    uint64         `json:"succeeded"`
	LastActive   int64          `json:"last_active"`
	RegisteredAt int64          `json:"registered_at"`
	Active       bool           `json:"active"`
}

func (r *Relayer) clone() *Relayer {
	clone := *r
	if r.Stake != nil {
		clone.Stake = new(big.Int).Set(r.Stake)
	}
	return &clone
}

// SuccessRate 返回百分制成功率，未处理过任务时返回 100。
func (r *Relayer) SuccessRate() uint64 {
	if r.Processed == 0 {
		return 100
	}
	return r.Succeeded * 100 / r.Processed
}

const (
	CodeInsufficientStake xerrors.Code = "RELAYER_INSUFFICIENT_STAKE"
	CodeAlreadyRegistered xerrors.Code = "RELAYER_ALREADY_REGISTERED"
	CodeNotRegistered     xerrors.Code = "RELAYER_NOT_REGISTERED"
	CodeNoActiveRelayers  xerrors.Code = "NO_ACTIVE_RELAYERS"
)

var (
	// ErrInsufficientStake 表示质押低于最低门槛。
	ErrInsufficientStake = xerrors.New(CodeInsufficientStake, "insufficient stake")
	// ErrAlreadyRegistered 表示调用者已经是活跃中继。
	ErrAlreadyRegistered = xerrors.New(CodeAlreadyRegistered, "relayer already registered")
	// ErrNotRegistered 表示调用者不是活跃中继。
	ErrNotRegistered = xerrors.New(CodeNotRegistered, "relayer not registered")
	// ErrNoActiveRelayers 表示当前没有可选的中继。
	ErrNoActiveRelayers = xerrors.New(CodeNoActiveRelayers, "no active relayers")
)

func init() {
	xerrors.Register(CodeInsufficientStake, xerrors.Attributes{Message: "insufficient stake", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAlreadyRegistered, xerrors.Attributes{Message: "relayer already registered", Kind: xerrors.KindConflict, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotRegistered, xerrors.Attributes{Message: "relayer not registered", Kind: xerrors.KindNotFound, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNoActiveRelayers, xerrors.Attributes{Message: "no active relayers", Kind: xerrors.KindUnavailable, Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
}
