package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/pkg/logger"
)

// Recorder 是审计轨迹的唯一写入方。
type Recorder struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

// Option 定义可选配置。
type Option func(*Recorder)

// WithStore 替换默认的内存存储。
func WithStore(store Store) Option {
	return func(r *Recorder) {
		if store != nil {
			r.store = store
		}
	}
}

// WithClock 指定时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder 创建审计记录器。
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{store: NewMemoryStore(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// EntryOption 补充记录的可选字段。
type EntryOption func(*Entry)

// WithEventType 标注触发该承诺的事件类型。
func WithEventType(eventType string) EntryOption {
	return func(e *Entry) {
		e.EventType = eventType
	}
}

// LogCommitment 追加一条承诺记录。
func (r *Recorder) LogCommitment(ctx context.Context, agentID identity.AgentID, commitment common.Hash, contentRef string, opts ...EntryOption) (Entry, error) {
	if agentID == (identity.AgentID{}) {
		return Entry{}, ErrInvalidAgentID
	}
	if commitment == (common.Hash{}) {
		return Entry{}, ErrInvalidCommitment
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.store.HasCommitment(ctx, commitment)
	if err != nil {
		return Entry{}, err
	}
	if exists {
		return Entry{}, ErrCommitmentAlreadyExists
	}
	total, err := r.store.TotalCount(ctx)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Index:      total,
		AgentID:    agentID,
		Commitment: commitment,
		ContentRef: contentRef,
		RecordedAt: r.now().Unix(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&entry)
		}
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return Entry{}, err
	}

	logger.Audit().Info("审计承诺已记录",
		slog.Uint64("index", entry.Index),
		slog.String("agent_id", agentID.Hex()),
		slog.String("commitment", commitment.Hex()),
		slog.String("event_type", entry.EventType),
	)
	return entry, nil
}

// GetTrail 返回智能体的全部记录。
func (r *Recorder) GetTrail(ctx context.Context, agentID identity.AgentID) ([]Entry, error) {
	return r.store.Trail(ctx, agentID)
}

// GetEntry 按全局序号读取记录。
func (r *Recorder) GetEntry(ctx context.Context, index uint64) (Entry, error) {
	return r.store.Entry(ctx, index)
}

// GetAgentCount 返回智能体的记录数。
func (r *Recorder) GetAgentCount(ctx context.Context, agentID identity.AgentID) (uint64, error) {
	return r.store.AgentCount(ctx, agentID)
}

// GetTotalCount 返回记录总数。
func (r *Recorder) GetTotalCount(ctx context.Context) (uint64, error) {
	return r.store.TotalCount(ctx)
}
