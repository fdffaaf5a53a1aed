package alerting

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/events"
	"AgentIntent-Chain/pkg/logger"
)

const (
	CodeBreakerTripped xerrors.Code = "BREAKER_TRIPPED"
	CodeIntentDisputed xerrors.Code = "INTENT_DISPUTED"
	CodeIntentFailed   xerrors.Code = "INTENT_FAILED"
)

func init() {
	xerrors.Register(CodeBreakerTripped, xerrors.Attributes{Message: "circuit breaker tripped", Kind: xerrors.KindRejected, Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeIntentDisputed, xerrors.Attributes{Message: "intent disputed", Kind: xerrors.KindConflict, Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeIntentFailed, xerrors.Attributes{Message: "intent execution failed", Kind: xerrors.KindInternal, Severity: xerrors.SeverityCritical, Alert: true})
}

// EventAlerter 订阅意图事件，将熔断、争议与执行失败转换为告警。
type EventAlerter struct {
	dispatcher Dispatcher
}

// NewEventAlerter 创建事件告警订阅者。
func NewEventAlerter(dispatcher Dispatcher) *EventAlerter {
	return &EventAlerter{dispatcher: dispatcher}
}

// Publish 实现 events.Publisher，派发失败只记录日志。
func (a *EventAlerter) Publish(ctx context.Context, evt events.Event) error {
	if a == nil || a.dispatcher == nil {
		return nil
	}
	alert, ok := FromEvent(evt)
	if !ok {
		return nil
	}
	if err := a.dispatcher.Notify(ctx, alert); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("event_type", string(evt.Type)))
	}
	return nil
}

// FromEvent 将事件映射为告警，非告警类事件返回 false。
func FromEvent(evt events.Event) (Event, bool) {
	var code xerrors.Code
	switch evt.Type {
	case events.TypeBreakerTripped:
		code = CodeBreakerTripped
	case events.TypeIntentDisputed:
		code = CodeIntentDisputed
	case events.TypeIntentFailed:
		code = CodeIntentFailed
	default:
		return Event{}, false
	}
	attrs := xerrors.AttributesOf(code)
	message := evt.Field("reason")
	if message == "" {
		message = attrs.Message
	}
	alert := Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Stage:      string(evt.Type),
		OccurredAt: time.Unix(evt.Timestamp, 0).UTC(),
	}
	if evt.IntentID != (common.Hash{}) {
		alert.IntentID = evt.IntentID.Hex()
	}
	if evt.AgentID != (common.Hash{}) {
		alert.AgentID = evt.AgentID.Hex()
	}
	if len(evt.Fields) > 0 {
		alert.Metadata = make(map[string]string, len(evt.Fields))
		for k, v := range evt.Fields {
			if k == "reason" {
				continue
			}
			alert.Metadata[k] = v
		}
	}
	return alert, true
}
