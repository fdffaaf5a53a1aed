package audit

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/events"
	"AgentIntent-Chain/pkg/logger"
)

// Pipeline 订阅意图事件，把规范化后的事件正文写入内容存储并记录其承诺。
type Pipeline struct {
	recorder *Recorder
	content  ContentStore
	log      *slog.Logger
}

// NewPipeline 创建审计流水线。
func NewPipeline(recorder *Recorder, content ContentStore) *Pipeline {
	if content == nil {
		content = NewMemoryContentStore()
	}
	return &Pipeline{recorder: recorder, content: content, log: logger.Named("audit")}
}

// Canonicalize 返回事件的 RFC 8785 规范化 JSON 及其 keccak256 承诺。
func Canonicalize(evt events.Event) ([]byte, common.Hash, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, common.Hash{}, err
	}
	body, err := jcs.Transform(raw)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return body, crypto.Keccak256Hash(body), nil
}

// Handle 处理单个事件，可作为 events.Handler 使用。重复投递的事件被视为已处理。
func (p *Pipeline) Handle(ctx context.Context, evt events.Event) error {
	body, commitment, err := Canonicalize(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "规范化审计事件失败")
	}
	ref, err := p.content.Put(ctx, commitment, body)
	if err != nil {
		return err
	}
	entry, err := p.recorder.LogCommitment(ctx, evt.AgentID, commitment, ref, WithEventType(string(evt.Type)))
	if err != nil {
		if stdErrors.Is(err, ErrCommitmentAlreadyExists) {
			p.log.Debug("跳过重复的审计事件", slog.String("event_id", evt.ID))
			return nil
		}
		p.log.Error("记录审计承诺失败", slog.Any("error", err), slog.String("event_id", evt.ID))
		return err
	}
	p.log.Debug("审计承诺已生成",
		slog.String("event_id", evt.ID),
		slog.Uint64("index", entry.Index),
		slog.String("commitment", commitment.Hex()),
	)
	return nil
}

// Publish 使流水线可以直接挂在 events.Fanout 上。
func (p *Pipeline) Publish(ctx context.Context, evt events.Event) error {
	return p.Handle(ctx, evt)
}

// Content 按引用读取审计正文。
func (p *Pipeline) Content(ctx context.Context, ref string) ([]byte, error) {
	return p.content.Get(ctx, ref)
}

var _ events.Publisher = (*Pipeline)(nil)
