package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "FlowMesh/internal/errors"
	"FlowMesh/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次上报的故障事件。Alert 标记该错误是否要求主动告警。
type Event struct {
	Code        xerrors.Code
	Message     string
	Severity    xerrors.Severity
	Alert       bool
	ExecutionID string
	WorkflowID  string
	StepID      string
	TenantID    string
	Attempts    int
	MaxAttempts int
	Metadata    map[string]string
	OccurredAt  time.Time
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
	notifiers   map[Channel]Notifier
	minSeverity xerrors.Severity
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

// WithMinSeverity 设置投递的最低严重程度，低于该级别的事件被静默丢弃。
func (d *FanoutDispatcher) WithMinSeverity(sev xerrors.Severity) *FanoutDispatcher {
	d.minSeverity = sev
	return d
}

func severityRank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Notify 将事件广播至所有注册渠道。严重程度不足的事件被过滤。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if severityRank(event.Severity) < severityRank(d.minSeverity) {
		return nil
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

// Report 把错误无条件转换为事件并投递，是否需要告警由 Alert 字段携带，
// 过滤交给 Dispatcher 按严重程度处理。err 为 nil 时直接返回。
func Report(ctx context.Context, d Dispatcher, err error, executionID, workflowID, tenantID string) {
	if d == nil || err == nil {
		return
	}
	evt := Event{
		Code:        xerrors.CodeOf(err),
		Message:     err.Error(),
		Severity:    xerrors.SeverityOf(err),
		Alert:       xerrors.ShouldAlert(err),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		TenantID:    tenantID,
		OccurredAt:  time.Now(),
	}
	if xe, ok := xerrors.From(err); ok {
		evt.Metadata = xe.Metadata()
	}
	if notifyErr := d.Notify(ctx, evt); notifyErr != nil {
		logger.L().Warn("告警投递失败",
			slog.String("execution_id", executionID),
			slog.String("error", notifyErr.Error()))
	}
}

// LogNotifier 将告警写入结构化日志，是默认渠道。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录一条告警日志。未标记告警的事件降级为 Warn。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	level := logger.L().Error
	if !event.Alert {
		level = logger.L().Warn
	}
	level("工作流告警",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("execution_id", event.ExecutionID),
		slog.String("workflow_id", event.WorkflowID),
		slog.String("tenant_id", event.TenantID),
		slog.String("message", event.Message))
	return nil
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("execution_id", event.ExecutionID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("告警时间: %s\n执行: %s\n工作流: %s\n租户: %s\n错误码: %s\n描述: %s",
		event.OccurredAt.Format(time.RFC3339), event.ExecutionID, event.WorkflowID, event.TenantID, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		content += "\n详情:\n"
		for k, v := range event.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// WebhookSender 负责向外部 webhook 发送消息。
type WebhookSender interface {
	Send(ctx context.Context, content string) error
}

// WebhookNotifier 通过 webhook 发送告警。
type WebhookNotifier struct {
	Sender WebhookSender
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook 消息。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("execution_id", event.ExecutionID))
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\n执行: %s (工作流 %s)\n%s",
		event.Severity, event.Code, event.ExecutionID, event.WorkflowID, event.Message)
	return n.Sender.Send(ctx, payload)
}
