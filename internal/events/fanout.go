package events

import (
	"context"
	"errors"
	"sync"
)

// Fanout 按注册顺序同步地把事件交给每个下游。
type Fanout struct {
	mu      sync.RWMutex
	targets []Publisher
}

// NewFanout 创建 Fanout。
func NewFanout(targets ...Publisher) *Fanout {
	f := &Fanout{}
	for _, target := range targets {
		f.Add(target)
	}
	return f
}

// Add 追加下游。
func (f *Fanout) Add(target Publisher) {
	if target == nil {
		return
	}
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
}

// Publish 依次投递，单个下游失败不影响其余下游，错误合并返回。
func (f *Fanout) Publish(ctx context.Context, evt Event) error {
	f.mu.RLock()
	targets := append([]Publisher(nil), f.targets...)
	f.mu.RUnlock()

	var errs []error
	for _, target := range targets {
		if err := target.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandlerPublisher 把 Handler 适配为同步 Publisher。
type HandlerPublisher Handler

// Publish 实现 Publisher 接口。
func (h HandlerPublisher) Publish(ctx context.Context, evt Event) error {
	return h(ctx, evt)
}

// Discard 丢弃所有事件。
var Discard Publisher = HandlerPublisher(func(context.Context, Event) error { return nil })
