package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/observability/alerting"
	"gravity-claw/internal/observability/metrics"
	"gravity-claw/internal/push"
	"gravity-claw/pkg/logger"
)

// 推送中使用的组件类型。
const (
	WidgetOracleInput = "oracle-input"
	WidgetActionQueue = "action-queue-item"
)

// 阶段名称，用于指标与错误信息。
const (
	stageComps  = "comps"
	stageRender = "render"
	stageCopy   = "copy"
	stageVerify = "verify"
)

const defaultStageTimeout = 2 * time.Minute

// Engine 驱动线索从接入到审批执行的状态机。
type Engine struct {
	table        *Table
	comps        CompSource
	renderer     Renderer
	copywriter   Copywriter
	verifier     Verifier
	publisher    push.Publisher
	alerts       alerting.Dispatcher
	tolerance    float64
	keep         int
	denylist     []string
	stageTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	inflight sync.WaitGroup
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithCompSource 设置可比记录来源。
func WithCompSource(src CompSource) Option {
	return func(e *Engine) {
		if src != nil {
			e.comps = src
		}
	}
}

// WithRenderer 设置信息图渲染器。
func WithRenderer(r Renderer) Option {
	return func(e *Engine) {
		if r != nil {
			e.renderer = r
		}
	}
}

// WithCopywriter 设置文案生成器。
func WithCopywriter(c Copywriter) Option {
	return func(e *Engine) {
		if c != nil {
			e.copywriter = c
		}
	}
}

// WithVerifier 设置核验器。
func WithVerifier(v Verifier) Option {
	return func(e *Engine) {
		if v != nil {
			e.verifier = v
		}
	}
}

// WithPublisher 设置观察者推送。
func WithPublisher(p push.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithAlerts 设置失败告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerts = d
	}
}

// WithCompFilter 设置价格容差、保留条数与黑名单。
func WithCompFilter(tolerance float64, keep int, denylist []string) Option {
	return func(e *Engine) {
		if tolerance > 0 {
			e.tolerance = tolerance
		}
		if keep > 0 {
			e.keep = keep
		}
		if len(denylist) > 0 {
			e.denylist = append([]string(nil), denylist...)
		}
	}
}

// WithStageTimeout 设置单个阶段的超时时间。
func WithStageTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.stageTimeout = timeout
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建流水线引擎，table 为空时使用新表。
func NewEngine(table *Table, opts ...Option) *Engine {
	if table == nil {
		table = NewTable()
	}
	e := &Engine{
		table:        table,
		comps:        SyntheticComps{},
		renderer:     &HTMLRenderer{Dir: "data/assets"},
		copywriter:   TemplateCopywriter{},
		verifier:     FactLock{},
		publisher:    push.Discard,
		tolerance:    DefaultTolerance,
		keep:         DefaultKeep,
		denylist:     DefaultDenylist,
		stageTimeout: defaultStageTimeout,
		now:          time.Now,
		log:          logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Table 返回状态表。
func (e *Engine) Table() *Table { return e.table }

// Get 返回线索状态。
func (e *Engine) Get(leadID string) (State, error) {
	state, ok := e.table.Get(leadID)
	if !ok {
		return State{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("线索 %s 不存在", leadID))
	}
	return state, nil
}

// Wait 等待所有异步阶段结束。
func (e *Engine) Wait() { e.inflight.Wait() }

var errAlreadyClaimed = errors.New("线索已离开 PENDING_INTENT")

// Intake 创建线索。负载中已有价格时直接进入计算，否则停在 AWAITING_ORACLE 等待人工定价。
func (e *Engine) Intake(ctx context.Context, leadID, address string, payload map[string]any) (State, error) {
	leadID = strings.TrimSpace(leadID)
	address = strings.TrimSpace(address)
	if address == "" {
		return State{}, xerrors.New(xerrors.CodeInvalidArgument, "线索地址不能为空")
	}
	if leadID == "" {
		leadID = "L-" + uuid.NewString()
	}
	now := e.now().UTC()
	fresh := State{
		LeadID:    leadID,
		Address:   address,
		Status:    StatusPendingIntent,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	existing, ok := e.table.insert(fresh, func(existing State) bool {
		return existing.Status == StatusVerificationFailed
	})
	if !ok {
		return existing, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("线索 %s 已处于 %s 状态", leadID, existing.Status),
			xerrors.WithMetadata("lead_id", leadID))
	}
	metrics.ObservePipelineTransition(string(StatusPendingIntent))
	log := e.log.With(slog.String("lead_id", leadID))
	log.Info("线索已接入", slog.String("address", address))

	if price, ok := PriceFromPayload(payload); ok {
		state, err := e.claim(leadID, price)
		if xerrors.IsCode(err, xerrors.CodeInvalidState) {
			// 接入与恢复并发时，由先完成认领的一方执行阶段。
			log.Info("线索已被并发认领", slog.String("status", string(state.Status)))
			return state, nil
		}
		if err != nil {
			return state, err
		}
		return e.compute(ctx, state), nil
	}

	state, _, err := e.table.update(leadID, func(s *State) error {
		if s.Status != StatusPendingIntent {
			return errAlreadyClaimed
		}
		s.Status = StatusAwaitingOracle
		s.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		log.Info("线索已被并发认领，跳过定价请求", slog.String("status", string(state.Status)))
		return state, nil
	}
	metrics.ObservePipelineTransition(string(StatusAwaitingOracle))
	log.Warn("缺少目标价格，流水线暂停等待人工定价")
	e.publisher.Publish(push.Payload{
		Type:       push.TypeWidget,
		WidgetType: WidgetOracleInput,
		Content:    oracleWidget(leadID, address),
	}, leadID)
	return state, nil
}

// Resume 设置目标价格并同步执行全部阶段。
func (e *Engine) Resume(ctx context.Context, leadID string, price float64) (State, error) {
	state, err := e.claim(leadID, price)
	if err != nil {
		return state, err
	}
	return e.compute(ctx, state), nil
}

// ResumeAsync 同步完成状态检查与切换，阶段在后台执行。
func (e *Engine) ResumeAsync(ctx context.Context, leadID string, price float64) (State, error) {
	state, err := e.claim(leadID, price)
	if err != nil {
		return state, err
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.compute(context.WithoutCancel(ctx), state)
	}()
	return state, nil
}

// Execute 审批通过，仅允许从 READY_FOR_APPROVAL 切换到 EXECUTED。
func (e *Engine) Execute(ctx context.Context, leadID string) (State, error) {
	state, found, err := e.table.update(leadID, func(s *State) error {
		if s.Status != StatusReadyForApproval {
			return xerrors.New(xerrors.CodeInvalidState,
				fmt.Sprintf("线索 %s 当前状态为 %s，无法执行", leadID, s.Status),
				xerrors.WithMetadata("status", string(s.Status)))
		}
		s.Status = StatusExecuted
		s.UpdatedAt = e.now().UTC()
		return nil
	})
	if !found {
		return State{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("线索 %s 不存在", leadID))
	}
	if err != nil {
		return state, err
	}
	metrics.ObservePipelineTransition(string(StatusExecuted))
	logger.Audit().Info("流水线已执行",
		slog.String("lead_id", leadID),
		slog.String("address", state.Address),
		slog.String("operator", operatorFrom(ctx)),
	)
	e.publisher.Publish(push.Payload{
		Type:    push.TypeMarkdown,
		Content: fmt.Sprintf("🔥 *PIPELINE EXECUTED for %s.* System synced. Artifacts deployed.", state.Address),
	}, leadID)
	return state, nil
}

// claim 在线索锁内检查状态并切换到 COMPUTING。
func (e *Engine) claim(leadID string, price float64) (State, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return State{}, xerrors.New(xerrors.CodeInvalidArgument, "目标价格必须为正数")
	}
	state, found, err := e.table.update(leadID, func(s *State) error {
		if s.Status != StatusAwaitingOracle && s.Status != StatusPendingIntent {
			return xerrors.New(xerrors.CodeInvalidState,
				fmt.Sprintf("线索 %s 当前状态为 %s，无法恢复", leadID, s.Status),
				xerrors.WithMetadata("status", string(s.Status)))
		}
		p := price
		s.TargetPrice = &p
		s.Status = StatusComputing
		s.Error = ""
		s.Assets = nil
		s.UpdatedAt = e.now().UTC()
		return nil
	})
	if !found {
		return State{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("线索 %s 不存在", leadID))
	}
	if err != nil {
		return state, err
	}
	metrics.ObservePipelineTransition(string(StatusComputing))
	e.log.Info("目标价格已确认，开始计算", slog.String("lead_id", leadID), slog.Float64("target_price", price))
	return state, nil
}

// compute 依次执行筛选、并行的渲染与文案、核验，并写回最终状态。
func (e *Engine) compute(ctx context.Context, state State) State {
	leadID, address := state.LeadID, state.Address
	price := *state.TargetPrice
	log := e.log.With(slog.String("lead_id", leadID))

	e.publisher.Publish(push.Payload{
		Type:    push.TypeMarkdown,
		Content: fmt.Sprintf("*Deep Compute Initiated for %s at $%s...*", address, formatAmount(price)),
	}, leadID)

	var comps []CompEntry
	err := e.stage(ctx, stageComps, func(ctx context.Context) error {
		candidates, err := e.comps.Candidates(ctx, address, price)
		if err != nil {
			return err
		}
		comps = FilterComps(candidates, price, e.tolerance, e.denylist, e.keep)
		log.Info("可比记录筛选完成", slog.Int("candidates", len(candidates)), slog.Int("kept", len(comps)))
		return nil
	})
	if err != nil {
		return e.fail(ctx, leadID, comps, err)
	}

	var (
		infographicURL string
		drafts         Drafts
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.stage(groupCtx, stageRender, func(ctx context.Context) error {
			url, err := e.renderer.Render(ctx, comps, price, address)
			infographicURL = url
			return err
		})
	})
	group.Go(func() error {
		return e.stage(groupCtx, stageCopy, func(ctx context.Context) error {
			d, err := e.copywriter.Draft(ctx, comps, price, address)
			drafts = d
			return err
		})
	})
	if err := group.Wait(); err != nil {
		return e.fail(ctx, leadID, comps, err)
	}

	var verdict Verdict
	err = e.stage(ctx, stageVerify, func(ctx context.Context) error {
		v, err := e.verifier.Verify(ctx, VerifyInput{Drafts: drafts, Comps: comps, TargetPrice: price, Address: address})
		verdict = v
		return err
	})
	if err != nil {
		return e.fail(ctx, leadID, comps, err)
	}
	if !verdict.Passed() {
		return e.fail(ctx, leadID, comps, xerrors.New(xerrors.CodeVerification, verdict.Reason))
	}

	assets := &Assets{InfographicURL: infographicURL, MMSDraft: drafts.MMSDraft, EmailDraft: drafts.EmailDraft}
	final, _, _ := e.table.update(leadID, func(s *State) error {
		s.Status = StatusReadyForApproval
		s.Assets = assets
		s.Comps = comps
		s.UpdatedAt = e.now().UTC()
		return nil
	})
	metrics.ObservePipelineTransition(string(StatusReadyForApproval))
	log.Info("流水线等待审批", slog.String("infographic", infographicURL))
	e.publisher.Publish(push.Payload{
		Type:       push.TypeWidget,
		WidgetType: WidgetActionQueue,
		Content:    actionQueueWidget(leadID, address, *assets),
	}, leadID)
	return final
}

func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()
	start := time.Now()
	err := fn(stageCtx)
	metrics.ObservePipelineStage(name, err, time.Since(start))
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeVerification, err, fmt.Sprintf("阶段 %s 失败", name),
			xerrors.WithMetadata("stage", name))
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, leadID string, comps []CompEntry, cause error) State {
	state, _, _ := e.table.update(leadID, func(s *State) error {
		s.Status = StatusVerificationFailed
		s.Error = cause.Error()
		s.Comps = comps
		s.UpdatedAt = e.now().UTC()
		return nil
	})
	metrics.ObservePipelineTransition(string(StatusVerificationFailed))
	e.log.Error("流水线核验失败", slog.String("lead_id", leadID), slog.Any("error", cause))
	e.publisher.Publish(push.Payload{
		Type:    push.TypeMarkdown,
		Content: "**🚨 FATAL ERROR:** The C.R.O. detected hallucinated data or a math error in the V.P.'s draft. Pipeline blocked.",
	}, leadID)
	if e.alerts != nil {
		event := alerting.EventFromError(leadID, cause)
		if err := e.alerts.Notify(ctx, event); err != nil {
			e.log.Warn("发送流水线告警失败", slog.Any("error", err))
		}
	}
	return state
}

type operatorKey struct{}

// WithOperator 在上下文中记录执行审批的操作员。
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

func operatorFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operatorKey{}).(string); ok && op != "" {
		return op
	}
	return "anonymous"
}

func oracleWidget(leadID, address string) string {
	id := html.EscapeString(leadID)
	return fmt.Sprintf(`<div class="glass-panel oracle-alert" data-lead-id="%s">
    <h2 style="color: var(--danger);">🚨 HIGH-VALUE TARGET ACQUIRED</h2>
    <p>PIPELINE HALTED: EXPERT VALUATION REQUIRED TO PROCEED.</p>
    <p><strong>Address:</strong> %s</p>
    <input type="number" id="oracle-price-%s" placeholder="Enter Target Price ($)" class="neo-input" />
    <button class="primary-btn" onclick="submitOraclePrice('%s')">UNLOCK PIPELINE</button>
</div>`, id, html.EscapeString(address), id, id)
}

func actionQueueWidget(leadID, address string, assets Assets) string {
	id := html.EscapeString(leadID)
	return fmt.Sprintf(`<div class="glass-panel action-queue-card" data-lead-id="%s">
    <h2 style="color: var(--success); text-align: center;">✅ PIPELINE READY: %s</h2>
    <div style="display: flex; gap: 20px; margin-top: 20px;">
        <div style="flex: 1;"><img src="%s" style="width: 100%%; border-radius: 10px;" /></div>
        <div style="flex: 2; display: flex; flex-direction: column; gap: 15px;">
            <div class="draft-block glass-panel"><h3>MMS TIME-ZERO STRIKE</h3><pre>%s</pre></div>
            <div class="draft-block glass-panel"><h3>+24H ANCHOR EMAIL</h3><pre>%s</pre></div>
        </div>
    </div>
    <button class="primary-btn glow-btn" onclick="executeExecutionProtocol('%s')">[ APPROVE &amp; EXECUTE PROTOCOL ]</button>
</div>`, id, html.EscapeString(address), html.EscapeString(assets.InfographicURL),
		html.EscapeString(assets.MMSDraft), html.EscapeString(assets.EmailDraft), id)
}
