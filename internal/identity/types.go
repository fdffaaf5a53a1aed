package identity

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
)

// AgentID 是智能体的 32 字节不透明标识。
type AgentID = common.Hash

// Policy 是所有者为智能体配置的限额。
type Policy struct {
	MaxSpendPerDay *big.Int         `json:"max_spend_per_day"`
	MaxTxPerHour   uint64           `json:"max_tx_per_hour"`
	MaxValuePerTx  *big.Int         `json:"max_value_per_tx"`
	Whitelist      []common.Address `json:"whitelist,omitempty"`
}

// Clone 深拷贝策略，避免调用方修改内部状态。
func (p Policy) Clone() Policy {
	clone := Policy{MaxTxPerHour: p.MaxTxPerHour}
	if p.MaxSpendPerDay != nil {
		clone.MaxSpendPerDay = new(big.Int).Set(p.MaxSpendPerDay)
	}
	if p.MaxValuePerTx != nil {
		clone.MaxValuePerTx = new(big.Int).Set(p.MaxValuePerTx)
	}
	if len(p.Whitelist) > 0 {
		clone.Whitelist = append([]common.Address(nil), p.Whitelist...)
	}
	return clone
}

// Allows 判断收款地址是否在白名单中，白名单为空时不做限制。
func (p Policy) Allows(recipient common.Address) bool {
	if len(p.Whitelist) == 0 {
		return true
	}
	for _, addr := range p.Whitelist {
		if addr == recipient {
			return true
		}
	}
	return false
}

func (p Policy) validate() error {
	if p.MaxSpendPerDay == nil || p.MaxSpendPerDay.Sign() < 0 {
		return xerrors.New(CodeInvalidPolicy, "max_spend_per_day 必须为非负数")
	}
	if p.MaxValuePerTx == nil || p.MaxValuePerTx.Sign() < 0 {
		return xerrors.New(CodeInvalidPolicy, "max_value_per_tx 必须为非负数")
	}
	return nil
}

// Agent 描述注册表中的一条智能体记录。
type Agent struct {
	ID           AgentID        `json:"id"`
	Owner        common.Address `json:"owner"`
	Signer       common.Address `json:"signer"`
	Policy       Policy         `json:"policy"`
	MetadataRef  string         `json:"metadata_ref,omitempty"`
	Active       bool           `json:"active"`
	RegisteredAt int64          `json:"registered_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

func (a *Agent) clone() *Agent {
	clone := *a
	clone.Policy = a.Policy.Clone()
	return &clone
}

const (
	CodeAgentAlreadyExists     xerrors.Code = "AGENT_ALREADY_EXISTS"
	CodeAgentNotFound          xerrors.Code = "AGENT_NOT_FOUND"
	CodeUnauthorizedCaller     xerrors.Code = "UNAUTHORIZED_CALLER"
	CodeInvalidCredential      xerrors.Code = "INVALID_CREDENTIAL"
	CodeCredentialAlreadyBound xerrors.Code = "CREDENTIAL_ALREADY_BOUND"
	CodeInvalidAgentID         xerrors.Code = "IDENTITY_INVALID_AGENT_ID"
	CodeInvalidPolicy          xerrors.Code = "INVALID_POLICY"
)

var (
	// ErrAgentAlreadyExists 表示智能体标识已被占用。
	ErrAgentAlreadyExists = xerrors.New(CodeAgentAlreadyExists, "agent already exists")
	// ErrAgentNotFound 表示智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrUnauthorizedCaller 表示调用者无权执行该操作。
	ErrUnauthorizedCaller = xerrors.New(CodeUnauthorizedCaller, "unauthorized caller")
	// ErrInvalidCredential 表示凭证为空。
	ErrInvalidCredential = xerrors.New(CodeInvalidCredential, "invalid credential")
	// ErrCredentialAlreadyBound 表示签名凭证已绑定到其他智能体。
	ErrCredentialAlreadyBound = xerrors.New(CodeCredentialAlreadyBound, "credential already bound")
	// ErrInvalidAgentID 表示智能体标识为空。
	ErrInvalidAgentID = xerrors.New(CodeInvalidAgentID, "invalid agent id")
	// ErrInvalidPolicy 表示策略字段缺失或非法。
	ErrInvalidPolicy = xerrors.New(CodeInvalidPolicy, "invalid policy")
)

func init() {
	xerrors.Register(CodeAgentAlreadyExists, xerrors.Attributes{Message: "agent already exists", Kind: xerrors.KindConflict, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "agent not found", Kind: xerrors.KindNotFound, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUnauthorizedCaller, xerrors.Attributes{Message: "unauthorized caller", Kind: xerrors.KindForbidden, Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInvalidCredential, xerrors.Attributes{Message: "invalid credential", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeCredentialAlreadyBound, xerrors.Attributes{Message: "credential already bound", Kind: xerrors.KindConflict, Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInvalidAgentID, xerrors.Attributes{Message: "invalid agent id", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidPolicy, xerrors.Attributes{Message: "invalid policy", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
}
