package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/llm"
	"gravity-claw/internal/memory"
	"gravity-claw/internal/observability/alerting"
	"gravity-claw/internal/observability/metrics"
	"gravity-claw/internal/push"
	"gravity-claw/internal/tools"
	"gravity-claw/pkg/logger"
)

// 对用户可见的固定回复。
const (
	BreakerMessage         = "🚨 *ROI GATE TRIPPED:*\nTHE_QUANT (CFO) detected a recursive processing error and killed the task to protect your API resources. Please check the logs."
	ProviderFailureMessage = "Error interacting with Intelligence Engine."
	MaxIterationsMessage   = "Error: Agent reached maximum iterations."
	EmptyResponseMessage   = "No response generated."
)

const (
	defaultMaxIterations = 5
	breakerThreshold     = 2
	// MaxDelegationDepth 限制子代理的嵌套层级。
	MaxDelegationDepth = 2
)

// Dispatcher 是对话循环依赖的工具接口，tools.Registry 实现了它。
type Dispatcher interface {
	List(ctx context.Context) []llm.ToolDeclaration
	Execute(ctx context.Context, inv tools.Invocation) tools.Result
}

// Loop 驱动有界的模型调用与工具执行循环。
type Loop struct {
	client        llm.Client
	fallbackModel string
	tools         Dispatcher
	memory        Memory
	assembler     *Assembler
	runtime       *RuntimeConfig
	publisher     push.Publisher
	alerts        alerting.Dispatcher
	sessions      *keyedMutex
	maxIterations int
	llmTimeout    time.Duration
	log           *slog.Logger
}

// Option 定义可选的 Loop 配置。
type Option func(*Loop)

// WithPublisher 设置工具调用前的观察者通知。
func WithPublisher(p push.Publisher) Option {
	return func(l *Loop) {
		if p != nil {
			l.publisher = p
		}
	}
}

// WithAlerts 设置熔断告警的分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(l *Loop) {
		l.alerts = d
	}
}

// WithMaxIterations 设置最大工具轮数。
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithLLMTimeout 设置单次模型调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(l *Loop) {
		if timeout > 0 {
			l.llmTimeout = timeout
		}
	}
}

// NewLoop 创建对话循环。fallbackModel 是终极回退模型。
func NewLoop(client llm.Client, fallbackModel string, dispatcher Dispatcher, mem Memory, assembler *Assembler, runtime *RuntimeConfig, opts ...Option) *Loop {
	l := &Loop{
		client:        client,
		fallbackModel: fallbackModel,
		tools:         dispatcher,
		memory:        mem,
		assembler:     assembler,
		runtime:       runtime,
		publisher:     push.Discard,
		sessions:      newKeyedMutex(),
		maxIterations: defaultMaxIterations,
		log:           logger.Named("loop"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.assembler == nil {
		l.assembler = NewAssembler(mem, nil, AssemblerConfig{})
	}
	if l.runtime == nil {
		l.runtime = NewRuntimeConfig(fallbackModel, ThinkDefault)
	}
	return l
}

// Runtime 返回运行时配置。
func (l *Loop) Runtime() *RuntimeConfig { return l.runtime }

// Request 描述一次对话循环调用。
type Request struct {
	SessionID string
	Text      string
	Media     []Media
	// Persona 非空时替换默认人设。
	Persona string
	// Depth 为子代理嵌套层级。
	Depth int
	// Ephemeral 为 true 时不读写长期记忆。
	Ephemeral bool
}

// Run 处理一条用户消息并返回最终回复。
func (l *Loop) Run(ctx context.Context, sessionID, text string, media []Media) (string, error) {
	return l.Execute(ctx, Request{SessionID: sessionID, Text: text, Media: media})
}

// Execute 执行一次完整的对话循环。只有参数非法时返回 error，其余失败都转换为固定回复。
func (l *Loop) Execute(ctx context.Context, req Request) (string, error) {
	// 验证请求的合法性。
	if strings.TrimSpace(req.SessionID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Media) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "消息内容与附件不能同时为空")
	}

	// 同一会话串行执行，避免历史交错。
	unlock := l.sessions.Lock(req.SessionID)
	defer unlock()

	snap := l.runtime.Snapshot()
	log := l.log.With(slog.String("session_id", req.SessionID))

	// 持久化用户消息，失败只记录日志。
	persisted := ""
	mem := l.memory
	if req.Ephemeral {
		mem = nil
	}
	if mem != nil {
		persisted = inboundLogText(req.Text, req.Media)
		if err := mem.SaveTurn(ctx, req.SessionID, memory.RoleUser, persisted); err != nil {
			log.Warn("保存用户消息失败", slog.Any("error", err))
		}
	}

	// 组装上下文。
	assembler := l.assembler
	if req.Ephemeral {
		assembler = NewAssembler(nil, nil, assembler.cfg)
	}
	messages := assembler.Build(ctx, BuildInput{
		SessionID:     req.SessionID,
		Text:          req.Text,
		Media:         req.Media,
		ThinkLevel:    snap.ThinkLevel,
		Persona:       req.Persona,
		PersistedText: persisted,
	})
	declarations := l.tools.List(ctx)

	model := snap.Model
	consecutiveErrors := 0
	for iteration := 0; iteration < l.maxIterations; {
		metrics.ObserveLoopIteration()
		resp, err := l.complete(ctx, llm.Request{Model: model, Messages: messages, Tools: declarations})
		if err != nil {
			if model != l.fallbackModel {
				log.Warn("模型调用失败，切换到回退模型",
					slog.String("model", model), slog.String("fallback", l.fallbackModel), slog.Any("error", err))
				metrics.ObserveProviderFallback(model)
				model = l.fallbackModel
				continue
			}
			log.Error("回退模型调用失败", slog.String("model", model), slog.Any("error", err))
			metrics.ObserveLoopOutcome(metrics.OutcomeProviderError)
			return ProviderFailureMessage, nil
		}

		// 没有工具调用即为最终回复。
		if len(resp.ToolCalls) == 0 {
			answer := resp.Content
			if strings.TrimSpace(answer) == "" {
				answer = EmptyResponseMessage
			}
			if mem != nil {
				if err := mem.SaveTurn(ctx, req.SessionID, memory.RoleAssistant, answer); err != nil {
					log.Warn("保存助手回复失败", slog.Any("error", err))
				}
			}
			metrics.ObserveLoopOutcome(metrics.OutcomeAnswer)
			return answer, nil
		}

		calls := normalizeCalls(resp.ToolCalls)
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})
		for _, call := range calls {
			l.publisher.Publish(push.Payload{
				Type:    push.TypeMarkdown,
				Content: fmt.Sprintf("*Agent is using tool:* `%s`...", call.Name),
			}, req.SessionID)

			result := l.tools.Execute(ctx, tools.Invocation{
				Name:      call.Name,
				Arguments: call.Arguments,
				SessionID: req.SessionID,
				Depth:     req.Depth,
			})
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: result.Text})

			failed := tools.LooksLikeError(result.Text)
			metrics.ObserveToolCall(call.Name, failed)
			if failed {
				consecutiveErrors++
				log.Warn("工具返回错误", slog.String("tool", call.Name), slog.Int("consecutive", consecutiveErrors))
			} else {
				consecutiveErrors = 0
			}
			if consecutiveErrors >= breakerThreshold {
				l.tripBreaker(ctx, req.SessionID, call.Name)
				return BreakerMessage, nil
			}
		}
		iteration++
	}

	log.Warn("达到最大迭代次数", slog.Int("max_iterations", l.maxIterations))
	metrics.ObserveLoopOutcome(metrics.OutcomeMaxIterations)
	return MaxIterationsMessage, nil
}

func (l *Loop) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if l.llmTimeout <= 0 {
		return l.client.Complete(ctx, req)
	}
	callCtx, cancel := context.WithTimeout(ctx, l.llmTimeout)
	defer cancel()
	return l.client.Complete(callCtx, req)
}

func (l *Loop) tripBreaker(ctx context.Context, sessionID, tool string) {
	l.log.Error("连续工具错误触发熔断", slog.String("session_id", sessionID), slog.String("tool", tool))
	metrics.ObserveLoopOutcome(metrics.OutcomeBreaker)
	if l.alerts == nil {
		return
	}
	err := xerrors.New(xerrors.CodeCircuitOpen, "", xerrors.WithMetadata("tool", tool))
	if alertErr := l.alerts.Notify(ctx, alerting.EventFromError(sessionID, err)); alertErr != nil {
		l.log.Warn("发送熔断告警失败", slog.Any("error", alertErr))
	}
}

// normalizeCalls 为缺少 ID 的工具调用补齐 ID，保证 tool 消息能与调用配对。
func normalizeCalls(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()[:8]
		}
		if len(call.Arguments) == 0 {
			call.Arguments = []byte("{}")
		}
		out[i] = call
	}
	return out
}

// Delegate 以指定角色在临时会话上运行子代理。
func (l *Loop) Delegate(ctx context.Context, role, task string, depth int) (string, error) {
	if depth >= MaxDelegationDepth {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("子代理嵌套超过上限 %d", MaxDelegationDepth))
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = "specialist"
	}
	persona := fmt.Sprintf("You are a specialized sub-agent acting as: %s. Complete the assigned task thoroughly and return only the result.", role)
	return l.Execute(ctx, Request{
		SessionID: fmt.Sprintf("subagent_%s_%s", sanitizeRole(role), uuid.NewString()[:8]),
		Text:      task,
		Persona:   persona,
		Depth:     depth + 1,
		Ephemeral: true,
	})
}

func sanitizeRole(role string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(role) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}
