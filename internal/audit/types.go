package audit

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
)

// Entry 是审计轨迹中的一条记录，Index 从 0 开始全局递增。
type Entry struct {
	Index      uint64           `json:"index"`
	AgentID    identity.AgentID `json:"agent_id"`
	Commitment common.Hash      `json:"commitment"`
	ContentRef string           `json:"content_ref,omitempty"`
	EventType  string           `json:"event_type,omitempty"`
	RecordedAt int64            `json:"recorded_at"`
}

// Store 持久化审计记录。
type Store interface {
	HasCommitment(ctx context.Context, commitment common.Hash) (bool, error)
	Append(ctx context.Context, entry Entry) error
	Trail(ctx context.Context, agentID identity.AgentID) ([]Entry, error)
	Entry(ctx context.Context, index uint64) (Entry, error)
	AgentCount(ctx context.Context, agentID identity.AgentID) (uint64, error)
	TotalCount(ctx context.Context) (uint64, error)
}

// ContentStore 保存审计载荷正文，按内容寻址且只写一次。
type ContentStore interface {
	Put(ctx context.Context, commitment common.Hash, body []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

const (
	CodeInvalidAgentID          xerrors.Code = "AUDIT_INVALID_AGENT_ID"
	CodeInvalidCommitment       xerrors.Code = "INVALID_COMMITMENT"
	CodeCommitmentAlreadyExists xerrors.Code = "COMMITMENT_ALREADY_EXISTS"
	CodeEntryNotFound           xerrors.Code = "AUDIT_ENTRY_NOT_FOUND"
	CodeContentNotFound         xerrors.Code = "AUDIT_CONTENT_NOT_FOUND"
)

var (
	// ErrInvalidAgentID 表示智能体标识为空。
	ErrInvalidAgentID = xerrors.New(CodeInvalidAgentID, "invalid agent id")
	// ErrInvalidCommitment 表示承诺哈希为空。
	ErrInvalidCommitment = xerrors.New(CodeInvalidCommitment, "invalid commitment")
	// ErrCommitmentAlreadyExists 表示该承诺已被记录过。
	ErrCommitmentAlreadyExists = xerrors.New(CodeCommitmentAlreadyExists, "commitment already exists")
	// ErrEntryNotFound 表示索引越界。
	ErrEntryNotFound = xerrors.New(CodeEntryNotFound, "audit entry not found")
	// ErrContentNotFound 表示内容引用不存在。
	ErrContentNotFound = xerrors.New(CodeContentNotFound, "audit content not found")
)

func init() {
	xerrors.Register(CodeInvalidAgentID, xerrors.Attributes{Message: "invalid agent id", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidCommitment, xerrors.Attributes{Message: "invalid commitment", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeCommitmentAlreadyExists, xerrors.Attributes{Message: "commitment already exists", Kind: xerrors.KindConflict, Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeEntryNotFound, xerrors.Attributes{Message: "audit entry not found", Kind: xerrors.KindNotFound, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeContentNotFound, xerrors.Attributes{Message: "audit content not found", Kind: xerrors.KindNotFound, Severity: xerrors.SeverityInfo})
}
