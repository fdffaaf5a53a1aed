package audit

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
	mysqlstore "AgentIntent-Chain/internal/storage/mysql"
)

// commitmentKey 是 audit_entries 上承诺唯一索引的名称。
const commitmentKey = "uniq_audit_commitment"

// MySQLStore 使用 audit_entries 表保存审计轨迹。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已完成迁移的连接创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// HasCommitment 实现 Store 接口。
func (s *MySQLStore) HasCommitment(ctx context.Context, commitment common.Hash) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_entries WHERE commitment = ?`, commitment.Hex()).Scan(&count)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计承诺失败")
	}
	return count > 0, nil
}

// Append 实现 Store 接口。
func (s *MySQLStore) Append(ctx context.Context, entry Entry) error {
	const stmt = `INSERT INTO audit_entries (entry_index, agent_id, commitment, content_ref, event_type, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		entry.Index,
		entry.AgentID.Hex(),
		entry.Commitment.Hex(),
		entry.ContentRef,
		entry.EventType,
		entry.RecordedAt,
	)
	if err != nil {
		if key, dup := mysqlstore.DuplicateKey(err); dup {
			if key == commitmentKey {
				return ErrCommitmentAlreadyExists
			}
			// 序号冲突说明另一个写入方抢先追加，不是承诺重复。
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "审计序号冲突",
				xerrors.WithMetadata("key", key))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	return nil
}

const entryColumns = `entry_index, agent_id, commitment, content_ref, event_type, recorded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry               Entry
		agentID, commitment string
	)
	if err := row.Scan(&entry.Index, &agentID, &commitment, &entry.ContentRef, &entry.EventType, &entry.RecordedAt); err != nil {
		return Entry{}, err
	}
	entry.AgentID = common.HexToHash(agentID)
	entry.Commitment = common.HexToHash(commitment)
	return entry, nil
}

// Trail 实现 Store 接口。
func (s *MySQLStore) Trail(ctx context.Context, agentID identity.AgentID) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE agent_id = ? ORDER BY entry_index ASC`, agentID.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计轨迹失败")
	}
	defer rows.Close()

	trail := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
		trail = append(trail, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return trail, nil
}

// Entry 实现 Store 接口。
func (s *MySQLStore) Entry(ctx context.Context, index uint64) (Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE entry_index = ?`, index))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	return entry, nil
}

// AgentCount 实现 Store 接口。
func (s *MySQLStore) AgentCount(ctx context.Context, agentID identity.AgentID) (uint64, error) {
	var count uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_entries WHERE agent_id = ?`, agentID.Hex()).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计审计记录失败")
	}
	return count, nil
}

// TotalCount 实现 Store 接口。
func (s *MySQLStore) TotalCount(ctx context.Context) (uint64, error) {
	var count uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_entries`).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计审计记录失败")
	}
	return count, nil
}

var _ Store = (*MySQLStore)(nil)
