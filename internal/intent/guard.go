package intent

import (
	"context"
	"log/slog"
	"time"

	"AgentIntent-Chain/internal/events"
)

type guardKey struct{}

// enter 标记 ctx 属于当前引擎的一次操作；若 ctx 已带有该标记说明发生了重入。
func (e *Engine) enter(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if owner, ok := ctx.Value(guardKey{}).(*Engine); ok && owner == e {
		return nil, ErrReentrantCall
	}
	return context.WithValue(ctx, guardKey{}, e), nil
}

// enterMutation 用于写操作：目标域投递进行期间到达的写操作与带标记的 ctx 一样按重入拒绝。
func (e *Engine) enterMutation(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.InFlight(ctx) {
		return nil, ErrReentrantCall
	}
	return e.enter(ctx)
}

// InFlight 判断引擎是否正处于目标域投递中，或 ctx 是否来自引擎正在执行的操作。
func (e *Engine) InFlight(ctx context.Context) bool {
	if e.callout.Load() {
		return true
	}
	if ctx == nil {
		return false
	}
	owner, ok := ctx.Value(guardKey{}).(*Engine)
	return ok && owner == e
}

// callOut 在投递标记下调用外部代码。调用方必须持有 e.mu。
func (e *Engine) callOut(fn func() error) error {
	e.callout.Store(true)
	defer e.callout.Store(false)
	return fn()
}

// outbox 收集锁内产生的事件，待引擎锁释放后统一发布。
type outbox struct {
	engine  *Engine
	ctx     context.Context
	pending []events.Event
}

func (e *Engine) newOutbox(ctx context.Context) *outbox {
	if ctx == nil {
		ctx = context.Background()
	}
	return &outbox{engine: e, ctx: ctx}
}

func (o *outbox) add(typ events.Type, in *Intent, at time.Time, fields map[string]string) {
	o.pending = append(o.pending, events.New(typ, in.IntentID, in.AgentID, at, fields))
}

// flush 必须在 e.mu 释放之后调用。
func (o *outbox) flush() {
	for _, evt := range o.pending {
		if err := o.engine.publisher.Publish(o.ctx, evt); err != nil {
			o.engine.log.Error("发布意图事件失败",
				slog.Any("error", err),
				slog.String("event", string(evt.Type)),
				slog.String("intent_id", evt.IntentID.Hex()),
			)
		}
	}
	o.pending = nil
}
