package intent

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
	mysqlstore "AgentIntent-Chain/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 保存意图与 nonce，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已完成迁移的连接创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const intentColumns = `id, agent_id, source_domain, destination_domain, action_hash, nonce, expiry, value, recipient,
        signature, signer, status, relayer, created_at, submitted_at, executed_at, disputed_by, dispute_reason,
        failure_reason, updated_at`

// Insert 在同一事务中写入意图并推进 nonce。
func (s *MySQLStore) Insert(ctx context.Context, in *Intent) error {
	if in == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	const insertIntent = `INSERT INTO intents (` + intentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertIntent, intentArgs(in)...); err != nil {
		_ = tx.Rollback()
		if key, dup := mysqlstore.DuplicateKey(err); dup {
			switch key {
			case "PRIMARY", "":
				return ErrIntentAlreadyExists
			case "uniq_intents_agent_nonce":
				return ErrInvalidNonce
			}
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入意图失败")
	}

	const bumpNonce = `INSERT INTO agent_nonces (agent_id, next_nonce) VALUES (?, ?)
        ON DUPLICATE KEY UPDATE next_nonce = VALUES(next_nonce)`
	if _, err := tx.ExecContext(ctx, bumpNonce, in.AgentID.Hex(), in.Nonce+1); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 nonce 失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交意图事务失败")
	}
	return nil
}

func intentArgs(in *Intent) []any {
	value := "0"
	if in.Value != nil {
		value = in.Value.String()
	}
	return []any{
		in.IntentID.Hex(),
		in.AgentID.Hex(),
		in.SourceDomain,
		in.DestinationDomain,
		in.ActionHash.Hex(),
		in.Nonce,
		in.Expiry,
		value,
		in.Recipient.Hex(),
		in.Signature,
		in.Signer.Hex(),
		string(in.Status),
		in.Relayer.Hex(),
		in.CreatedAt,
		in.SubmittedAt,
		in.ExecutedAt,
		in.DisputedBy.Hex(),
		in.DisputeReason,
		in.FailureReason,
		in.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*Intent, error) {
	var (
		in                                        Intent
		id, agentID, actionHash, value, recipient string
		signer, status, relayer, disputedBy       string
		disputeReason, failureReason              sql.NullString
	)
	if err := row.Scan(
		&id,
		&agentID,
		&in.SourceDomain,
		&in.DestinationDomain,
		&actionHash,
		&in.Nonce,
		&in.Expiry,
		&value,
		&recipient,
		&in.Signature,
		&signer,
		&status,
		&relayer,
		&in.CreatedAt,
		&in.SubmittedAt,
		&in.ExecutedAt,
		&disputedBy,
		&disputeReason,
		&failureReason,
		&in.UpdatedAt,
	); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "意图 value 字段损坏")
	}
	in.IntentID = common.HexToHash(id)
	in.AgentID = common.HexToHash(agentID)
	in.ActionHash = common.HexToHash(actionHash)
	in.Value = amount
	in.Recipient = common.HexToAddress(recipient)
	in.Signer = common.HexToAddress(signer)
	in.Status = Status(status)
	in.Relayer = common.HexToAddress(relayer)
	in.DisputedBy = common.HexToAddress(disputedBy)
	in.DisputeReason = disputeReason.String
	in.FailureReason = failureReason.String
	return &in, nil
}

// Get 查询指定意图。
func (s *MySQLStore) Get(ctx context.Context, id common.Hash) (*Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id.Hex())
	in, err := scanIntent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图失败")
	}
	return in, nil
}

// Update 回写可变字段。
func (s *MySQLStore) Update(ctx context.Context, in *Intent) error {
	if in == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	const stmt = `UPDATE intents SET status = ?, relayer = ?, submitted_at = ?, executed_at = ?, disputed_by = ?,
        dispute_reason = ?, failure_reason = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, stmt,
		string(in.Status),
		in.Relayer.Hex(),
		in.SubmittedAt,
		in.ExecutedAt,
		in.DisputedBy.Hex(),
		in.DisputeReason,
		in.FailureReason,
		in.UpdatedAt,
		in.IntentID.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新意图失败")
	}
	return nil
}

// List 按条件列出意图。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Intent, error) {
	opts.applyDefaults()

	var (
		clauses []string
		args    []any
	)
	if opts.AgentID != nil {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, opts.AgentID.Hex())
	}
	if opts.Relayer != nil {
		clauses = append(clauses, "relayer = ?")
		args = append(args, opts.Relayer.Hex())
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + intentColumns + ` FROM intents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if opts.Order == SortByCreatedAsc {
		query += " ORDER BY created_at ASC, nonce ASC"
	} else {
		query += " ORDER BY created_at DESC, nonce DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图列表失败")
	}
	defer rows.Close()

	result := make([]*Intent, 0)
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析意图失败")
		}
		result = append(result, in)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历意图失败")
	}
	return result, nil
}

// Nonce 返回智能体下一个可用的 nonce，未出现过的智能体为 0。
func (s *MySQLStore) Nonce(ctx context.Context, agentID identity.AgentID) (uint64, error) {
	var next uint64
	err := s.db.QueryRowContext(ctx, `SELECT next_nonce FROM agent_nonces WHERE agent_id = ?`, agentID.Hex()).Scan(&next)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 nonce 失败")
	}
	return next, nil
}

// Close 关闭底层连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
