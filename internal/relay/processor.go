package relay

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/events"
	"AgentIntent-Chain/internal/intent"
	"AgentIntent-Chain/internal/observability/alerting"
	"AgentIntent-Chain/pkg/logger"
)

// Engine 定义了处理器所需的意图引擎能力。
type Engine interface {
	Submit(ctx context.Context, intentID common.Hash, relayer common.Address) (*intent.Intent, error)
	Execute(ctx context.Context, intentID common.Hash, payload []byte) (*intent.Intent, error)
	GetIntent(ctx context.Context, intentID common.Hash) (*intent.Intent, error)
	List(ctx context.Context, opts ...intent.ListOption) ([]*intent.Intent, error)
	Timelock() time.Duration
}

// Directory 定义了处理器所需的中继目录能力。
type Directory interface {
	Select(intentID common.Hash) (common.Address, error)
	UpdateReputation(relayer common.Address, success bool) error
}

// Processor 从事件队列消费意图事件并推进中继侧流程。
type Processor struct {
	engine      Engine
	directory   Directory
	consumer    events.Consumer
	self        common.Address
	workerCount int
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	mu        sync.Mutex
	scheduled map[common.Hash]struct{}
	waiting   sync.WaitGroup
}

// sweepPageSize 是启动扫描时每页读取的意图数。
const sweepPageSize = 200

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRelayerAddress 限定处理器只代表该中继行动，为空时代表被选中的任意中继。
func WithRelayerAddress(addr common.Address) ProcessorOption {
	return func(p *Processor) {
		p.self = addr
	}
}

// WithRetry 配置时间锁未到期时的重试次数与间隔。
func WithRetry(maxAttempts int, delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

// WithClock 指定时间来源与等待函数。
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(engine Engine, directory Directory, consumer events.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:      engine,
		directory:   directory,
		consumer:    consumer,
		workerCount: 1,
		maxAttempts: 5,
		retryDelay:  time.Second,
		now:         time.Now,
		sleep:       sleepContext,
		logger:      logger.Named("relay"),
		scheduled:   make(map[common.Hash]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start 先接管已有的 pending 与 submitted 意图，再启动事件处理循环。
// 返回前等待所有已排期的执行退出。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	defer p.Wait()
	if err := p.Sweep(ctx); err != nil {
		p.logger.Error("启动扫描失败", slog.Any("error", err))
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Sweep 列出所有 pending 与 submitted 意图，并按对应事件逐个处理。
// 单个意图处理失败只记录日志。
func (p *Processor) Sweep(ctx context.Context) error {
	if p.engine == nil || p.directory == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	var backlog []*intent.Intent
	for offset := 0; ; offset += sweepPageSize {
		page, err := p.engine.List(ctx,
			intent.WithStatuses(intent.StatusPending, intent.StatusSubmitted),
			intent.WithSortOrder(intent.SortByCreatedAsc),
			intent.WithLimit(sweepPageSize),
			intent.WithOffset(offset),
		)
		if err != nil {
			return err
		}
		backlog = append(backlog, page...)
		if len(page) < sweepPageSize {
			break
		}
	}

	for _, in := range backlog {
		evt := p.backlogEvent(in)
		if err := p.Handle(ctx, evt); err != nil {
			p.logger.Warn("接管遗留意图失败",
				slog.String("intent_id", in.IntentID.Hex()),
				slog.String("status", string(in.Status)),
				slog.Any("error", err),
			)
		}
	}
	if len(backlog) > 0 {
		p.logger.Info("已接管遗留意图", slog.Int("count", len(backlog)))
	}
	return nil
}

func (p *Processor) backlogEvent(in *intent.Intent) events.Event {
	at := time.Unix(in.UpdatedAt, 0)
	if in.Status == intent.StatusPending {
		return events.New(events.TypeIntentEmitted, in.IntentID, in.AgentID, at, nil)
	}
	executableAt := time.Unix(in.SubmittedAt, 0).Add(p.engine.Timelock())
	return events.New(events.TypeIntentSubmitted, in.IntentID, in.AgentID, at, map[string]string{
		"relayer":       in.Relayer.Hex(),
		"submitted_at":  strconv.FormatInt(in.SubmittedAt, 10),
		"executable_at": strconv.FormatInt(executableAt.Unix(), 10),
	})
}

// Wait 阻塞直到所有已排期的执行结束。
func (p *Processor) Wait() {
	p.waiting.Wait()
}

// Handle 处理单个事件。
func (p *Processor) Handle(ctx context.Context, evt events.Event) error {
	if p.engine == nil || p.directory == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	switch evt.Type {
	case events.TypeIntentEmitted:
		return p.handleEmitted(ctx, evt)
	case events.TypeIntentSubmitted:
		return p.handleSubmitted(ctx, evt)
	default:
		return nil
	}
}

func (p *Processor) handleEmitted(ctx context.Context, evt events.Event) error {
	relayer, err := p.directory.Select(evt.IntentID)
	if err != nil {
		p.logger.Warn("没有可用中继", slog.String("intent_id", evt.IntentID.Hex()), slog.Any("error", err))
		p.emitAlert(ctx, evt, xerrors.CodeOf(err), err, "select")
		return err
	}
	if p.self != (common.Address{}) && relayer != p.self {
		p.logger.Debug("意图分配给其他中继", slog.String("intent_id", evt.IntentID.Hex()), slog.String("relayer", relayer.Hex()))
		return nil
	}
	err = p.whileBusy(ctx, func() error {
		_, submitErr := p.engine.Submit(ctx, evt.IntentID, relayer)
		return submitErr
	})
	if err != nil {
		if stdErrors.Is(err, intent.ErrIntentAlreadyProcessed) {
			return nil
		}
		p.logger.Error("提交意图失败", slog.String("intent_id", evt.IntentID.Hex()), slog.Any("error", err))
		return err
	}
	logger.Audit().Info("中继已认领意图",
		slog.String("intent_id", evt.IntentID.Hex()),
		slog.String("relayer", relayer.Hex()),
	)
	return nil
}

func (p *Processor) handleSubmitted(ctx context.Context, evt events.Event) error {
	relayer := common.HexToAddress(evt.Field("relayer"))
	if p.self != (common.Address{}) && relayer != p.self {
		return nil
	}
	current, err := p.engine.GetIntent(ctx, evt.IntentID)
	if err != nil {
		return err
	}
	if current.Status != intent.StatusSubmitted {
		return nil
	}

	executableAt := time.Unix(current.SubmittedAt, 0).Add(p.engine.Timelock())
	if raw := evt.Field("executable_at"); raw != "" {
		if ts, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			executableAt = time.Unix(ts, 0)
		}
	}
	if wait := executableAt.Sub(p.now()); wait > 0 {
		p.schedule(ctx, evt, wait)
		return nil
	}
	return p.execute(ctx, evt, current)
}

// schedule 在时间锁到期后执行意图，等待期间不占用消费协程。
// 同一意图同时只保留一个排期。
func (p *Processor) schedule(ctx context.Context, evt events.Event, wait time.Duration) {
	p.mu.Lock()
	if _, ok := p.scheduled[evt.IntentID]; ok {
		p.mu.Unlock()
		return
	}
	p.scheduled[evt.IntentID] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("意图已排期执行",
		slog.String("intent_id", evt.IntentID.Hex()),
		slog.Duration("wait", wait),
	)
	p.waiting.Add(1)
	go func() {
		defer p.waiting.Done()
		defer func() {
			p.mu.Lock()
			delete(p.scheduled, evt.IntentID)
			p.mu.Unlock()
		}()

		if err := p.sleep(ctx, wait); err != nil {
			return
		}
		current, err := p.engine.GetIntent(ctx, evt.IntentID)
		if err != nil {
			p.logger.Warn("读取排期意图失败", slog.String("intent_id", evt.IntentID.Hex()), slog.Any("error", err))
			return
		}
		if current.Status != intent.StatusSubmitted {
			return
		}
		if err := p.execute(ctx, evt, current); err != nil {
			p.logger.Warn("排期执行失败", slog.String("intent_id", evt.IntentID.Hex()), slog.Any("error", err))
		}
	}()
}

func (p *Processor) execute(ctx context.Context, evt events.Event, current *intent.Intent) error {
	payload, err := intent.EncodePayload(intent.PayloadFor(current.Descriptor))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行载荷失败")
	}

	var execErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		_, execErr = p.engine.Execute(ctx, evt.IntentID, payload)
		if !stdErrors.Is(execErr, intent.ErrTimelockNotExpired) && !stdErrors.Is(execErr, intent.ErrReentrantCall) {
			break
		}
		p.logger.Debug("意图暂不可执行，稍后重试",
			slog.String("intent_id", evt.IntentID.Hex()),
			slog.Int("attempt", attempt),
			slog.String("reason", xerrors.ReasonOf(execErr)),
		)
		if err := p.sleep(ctx, p.retryDelay); err != nil {
			return err
		}
	}

	switch {
	case execErr == nil:
		p.recordOutcome(evt, current.Relayer, true)
		return nil
	case stdErrors.Is(execErr, intent.ErrIntentAlreadyProcessed):
		// 已被争议或由其他实例执行。
		return nil
	case stdErrors.Is(execErr, intent.ErrTimelockNotExpired), stdErrors.Is(execErr, intent.ErrReentrantCall):
		return execErr
	default:
		p.recordOutcome(evt, current.Relayer, false)
		p.emitAlert(ctx, evt, xerrors.CodeOf(execErr), execErr, "execute")
		return execErr
	}
}

// whileBusy 在引擎处于目标域投递期间按重试间隔重试 fn。
func (p *Processor) whileBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = fn(); !stdErrors.Is(err, intent.ErrReentrantCall) {
			return err
		}
		if sleepErr := p.sleep(ctx, p.retryDelay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (p *Processor) recordOutcome(evt events.Event, relayer common.Address, success bool) {
	if err := p.directory.UpdateReputation(relayer, success); err != nil {
		p.logger.Warn("更新中继信誉失败", slog.String("relayer", relayer.Hex()), slog.Any("error", err))
		return
	}
	logger.Audit().Info("中继处理结果",
		slog.String("intent_id", evt.IntentID.Hex()),
		slog.String("relayer", relayer.Hex()),
		slog.Bool("success", success),
	)
}

func (p *Processor) emitAlert(ctx context.Context, evt events.Event, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	alert := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		IntentID:   evt.IntentID.Hex(),
		AgentID:    evt.AgentID.Hex(),
		Stage:      stage,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, alert); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("intent_id", evt.IntentID.Hex()))
	}
}
