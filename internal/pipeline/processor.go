package pipeline

import (
	"context"
	"log/slog"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/observability/alerting"
	"gravity-claw/pkg/logger"
)

// Intaker 是处理器所需的引擎能力。
type Intaker interface {
	Intake(ctx context.Context, leadID, address string, payload map[string]any) (State, error)
}

// Processor 负责从队列消费接入事件并交给引擎。
type Processor struct {
	engine      Intaker
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
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
func NewProcessor(engine Intaker, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:      engine,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("intake"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动事件处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeUnavailable, "未配置接入队列")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, event IntakeEvent) error {
	if p.engine == nil {
		return xerrors.New(xerrors.CodeUnavailable, "处理器未初始化")
	}
	state, err := p.engine.Intake(ctx, event.LeadID, event.Address, event.Payload)
	if err != nil {
		p.logger.Warn("线索接入失败",
			slog.String("lead_id", event.LeadID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		p.emitAlert(ctx, event, err)
		if xerrors.RetryableError(err) {
			return err
		}
		// 参数错误与冲突不会因重试而成功。
		return nil
	}
	logger.Audit().Info("线索接入完成",
		slog.String("lead_id", state.LeadID),
		slog.String("address", state.Address),
		slog.String("status", string(state.Status)),
	)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, event IntakeEvent, cause error) {
	if p.alerter == nil {
		return
	}
	alert := alerting.EventFromError(event.LeadID, cause)
	if alert.Metadata == nil {
		alert.Metadata = map[string]string{}
	}
	alert.Metadata["stage"] = "intake"
	alert.Metadata["address"] = event.Address
	if err := p.alerter.Notify(ctx, alert); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("lead_id", event.LeadID))
	}
}
