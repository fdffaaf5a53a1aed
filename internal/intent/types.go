package intent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
)

// Status 描述意图当前所处的阶段。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusExecuted  Status = "executed"
	StatusDisputed  Status = "disputed"
	StatusFailed    Status = "failed"
)

// IsValidStatus 判断状态是否合法。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusSubmitted, StatusExecuted, StatusDisputed, StatusFailed:
		return true
	default:
		return false
	}
}

// Descriptor 是智能体签名的意图内容。
type Descriptor struct {
	IntentID          common.Hash      `json:"intent_id"`
	AgentID           identity.AgentID `json:"agent_id"`
	SourceDomain      uint64           `json:"source_domain"`
	DestinationDomain uint64           `json:"destination_domain"`
	ActionHash        common.Hash      `json:"action_hash"`
	Nonce             uint64           `json:"nonce"`
	Expiry            int64            `json:"expiry"`
	Value             *big.Int         `json:"value"`
	Recipient         common.Address   `json:"recipient"`
}

func (d Descriptor) clone() Descriptor {
	clone := d
	if d.Value != nil {
		clone.Value = new(big.Int).Set(d.Value)
	}
	return clone
}

// Intent 是持久化的意图记录。
type Intent struct {
	Descriptor
	Signature     []byte         `json:"signature"`
	Signer        common.Address `json:"signer"`
	Status        Status         `json:"status"`
	Relayer       common.Address `json:"relayer"`
	CreatedAt     int64          `json:"created_at"`
	SubmittedAt   int64          `json:"submitted_at,omitempty"`
	ExecutedAt    int64          `json:"executed_at,omitempty"`
	DisputedBy    common.Address `json:"disputed_by"`
	DisputeReason string         `json:"dispute_reason,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	UpdatedAt     int64          `json:"updated_at"`
}

// Clone 深拷贝意图。
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Descriptor = i.Descriptor.clone()
	if i.Signature != nil {
		clone.Signature = append([]byte(nil), i.Signature...)
	}
	return &clone
}

const (
	CodeIntentAlreadyExists    xerrors.Code = "INTENT_ALREADY_EXISTS"
	CodeInvalidNonce           xerrors.Code = "INVALID_NONCE"
	CodeIntentExpired          xerrors.Code = "INTENT_EXPIRED"
	CodeInvalidSignature       xerrors.Code = "INVALID_SIGNATURE"
	CodeUnauthorizedRelayer    xerrors.Code = "UNAUTHORIZED_RELAYER"
	CodeIntentNotFound         xerrors.Code = "INTENT_NOT_FOUND"
	CodeIntentAlreadyProcessed xerrors.Code = "INTENT_ALREADY_PROCESSED"
	CodeTimelockNotExpired     xerrors.Code = "TIMELOCK_NOT_EXPIRED"
	CodeActionMismatch         xerrors.Code = "ACTION_MISMATCH"
	CodeUnsupportedDomain      xerrors.Code = "UNSUPPORTED_DOMAIN"
	CodeDispatchFailed         xerrors.Code = "DISPATCH_FAILED"
	CodeDisputeReasonRequired  xerrors.Code = "DISPUTE_REASON_REQUIRED"
)

var (
	// ErrIntentAlreadyExists 表示意图 ID 已存在。
	ErrIntentAlreadyExists = xerrors.New(CodeIntentAlreadyExists, "intent already exists")
	// ErrInvalidNonce 表示 nonce 与智能体当前值不相等。
	ErrInvalidNonce = xerrors.New(CodeInvalidNonce, "invalid nonce")
	// ErrIntentExpired 表示意图已过期。
	ErrIntentExpired = xerrors.New(CodeIntentExpired, "intent expired")
	// ErrInvalidSignature 表示签名无法恢复出有效地址。
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid signature")
	// ErrUnauthorizedRelayer 表示提交者不是活跃中继。
	ErrUnauthorizedRelayer = xerrors.New(CodeUnauthorizedRelayer, "unauthorized relayer")
	// ErrIntentNotFound 表示意图不存在。
	ErrIntentNotFound = xerrors.New(CodeIntentNotFound, "intent not found")
	// ErrIntentAlreadyProcessed 表示意图状态不允许该操作。
	ErrIntentAlreadyProcessed = xerrors.New(CodeIntentAlreadyProcessed, "intent already processed")
	// ErrTimelockNotExpired 表示时间锁尚未到期。
	ErrTimelockNotExpired = xerrors.New(CodeTimelockNotExpired, "timelock not expired")
	// ErrActionMismatch 表示执行载荷与承诺不一致。
	ErrActionMismatch = xerrors.New(CodeActionMismatch, "action mismatch")
	// ErrUnsupportedDomain 表示源域或目标域未配置。
	ErrUnsupportedDomain = xerrors.New(CodeUnsupportedDomain, "unsupported domain")
	// ErrDispatchFailed 表示目标域投递失败，意图已标记为 failed。
	ErrDispatchFailed = xerrors.New(CodeDispatchFailed, "dispatch failed")
	// ErrDisputeReasonRequired 表示争议缺少原因。
	ErrDisputeReasonRequired = xerrors.New(CodeDisputeReasonRequired, "dispute reason required")
	// ErrReentrantCall 表示在引擎操作进行中发生了嵌套调用。
	ErrReentrantCall = xerrors.New(xerrors.CodeReentrantCall, "reentrant call rejected")
)

func init() {
	xerrors.Register(CodeIntentAlreadyExists, xerrors.Attributes{Message: "intent already exists", Kind: xerrors.KindConflict, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidNonce, xerrors.Attributes{Message: "invalid nonce", Kind: xerrors.KindConflict, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeIntentExpired, xerrors.Attributes{Message: "intent expired", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{Message: "invalid signature", Kind: xerrors.KindForbidden, Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeUnauthorizedRelayer, xerrors.Attributes{Message: "unauthorized relayer", Kind: xerrors.KindForbidden, Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeIntentNotFound, xerrors.Attributes{Message: "intent not found", Kind: xerrors.KindNotFound, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeIntentAlreadyProcessed, xerrors.Attributes{Message: "intent already processed", Kind: xerrors.KindConflict, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTimelockNotExpired, xerrors.Attributes{Message: "timelock not expired", Kind: xerrors.KindPrecondition, Severity: xerrors.SeverityInfo, Retryable: true})
	xerrors.Register(CodeActionMismatch, xerrors.Attributes{Message: "action mismatch", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeUnsupportedDomain, xerrors.Attributes{Message: "unsupported domain", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeDispatchFailed, xerrors.Attributes{Message: "dispatch failed", Kind: xerrors.KindUnavailable, Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeDisputeReasonRequired, xerrors.Attributes{Message: "dispute reason required", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
}
