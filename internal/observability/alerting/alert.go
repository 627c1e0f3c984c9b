package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/push"
	"gravity-claw/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelPush  Channel = "push"
	ChannelAudit Channel = "audit"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code     xerrors.Code
	Message  string
	Severity xerrors.Severity
	// Subject 是事件关联的实体，例如 lead id 或会话 id。
	Subject    string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// EventFromError 根据统一错误构造告警事件。
func EventFromError(subject string, err error) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
	if coded, ok := xerrors.From(err); ok {
		event.Message = coded.Message()
		event.Metadata = coded.Metadata()
	} else if err != nil {
		event.Message = err.Error()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PushNotifier 将告警以 alert 类型推送给观察者。
type PushNotifier struct {
	Publisher push.Publisher
}

// Channel 返回推送渠道。
func (n *PushNotifier) Channel() Channel { return ChannelPush }

// Notify 推送告警。
func (n *PushNotifier) Notify(_ context.Context, event Event) error {
	if n == nil || n.Publisher == nil {
		logger.L().Warn("PushNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	n.Publisher.Publish(push.Payload{Type: push.TypeAlert, Content: Format(event)}, event.Subject)
	return nil
}

// AuditNotifier 将告警写入审计日志。
type AuditNotifier struct{}

// Channel 返回审计渠道。
func (AuditNotifier) Channel() Channel { return ChannelAudit }

// Notify 写入审计日志。
func (AuditNotifier) Notify(ctx context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("subject", event.Subject),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
	}
	for _, key := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+key, event.Metadata[key]))
	}
	logger.Audit().WarnContext(ctx, event.Message, attrs...)
	return nil
}

// Format 渲染告警文本。
func Format(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**[%s] %s**", strings.ToUpper(string(event.Severity)), event.Code)
	if event.Subject != "" {
		fmt.Fprintf(&b, " (%s)", event.Subject)
	}
	fmt.Fprintf(&b, "\n%s", event.Message)
	if event.MaxRetries > 0 {
		fmt.Fprintf(&b, "\n重试: %d/%d", event.Attempts, event.MaxRetries)
	}
	for _, key := range sortedKeys(event.Metadata) {
		fmt.Fprintf(&b, "\n- %s: %s", key, event.Metadata[key])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
