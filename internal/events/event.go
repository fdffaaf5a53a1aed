package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Type 标识事件类别。
type Type string

const (
	TypeIntentEmitted   Type = "intent.emitted"
	TypeIntentSubmitted Type = "intent.submitted"
	TypeIntentExecuted  Type = "intent.executed"
	TypeIntentDisputed  Type = "intent.disputed"
	TypeIntentFailed    Type = "intent.failed"
	TypeBreakerTripped  Type = "policy.breaker_tripped"
)

// Event 是状态迁移时发出的结构化事件。
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	IntentID  common.Hash       `json:"intent_id"`
	AgentID   common.Hash       `json:"agent_id"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// New 创建带随机 ID 的事件。
func New(typ Type, intentID, agentID common.Hash, at time.Time, fields map[string]string) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		IntentID:  intentID,
		AgentID:   agentID,
		Timestamp: at.Unix(),
	}
	if len(fields) > 0 {
		evt.Fields = make(map[string]string, len(fields))
		for k, v := range fields {
			evt.Fields[k] = v
		}
	}
	return evt
}

// Field 读取附加字段。
func (e Event) Field(key string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[key]
}

// Encode 序列化事件。
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode 反序列化事件。
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, err
	}
	if evt.Type == "" {
		return Event{}, errors.New("事件缺少类型")
	}
	return evt, nil
}

// Handler 处理单个事件。
type Handler func(ctx context.Context, evt Event) error

// Publisher 发布事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Producer 是可关闭的 Publisher。
type Producer interface {
	Publisher
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func timeOf(evt Event) time.Time {
	return time.Unix(evt.Timestamp, 0).UTC()
}
