package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"FlowMesh/internal/kv"
	"FlowMesh/pkg/backoff"
	"FlowMesh/pkg/logger"
)

// Messenger 在共享键值存储上提供至少一次投递的点对点与广播消息。
// 所有公开操作在存储故障时降级为日志加中性返回值，绝不向调用方抛错。
type Messenger struct {
	store        kv.Store
	prefix       string
	policy       backoff.Policy
	pollInterval time.Duration
	log          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Messenger)

// WithDeliveryPolicy 替换保证投递的重试间隔策略。
// 默认为线性退避：瓶颈在接收方而非网络，线性间隔比指数更合适。
func WithDeliveryPolicy(policy backoff.Policy) Option {
	return func(m *Messenger) {
		m.policy = policy
	}
}

// WithAckPollInterval 设置等待确认时的轮询间隔。
func WithAckPollInterval(interval time.Duration) Option {
	return func(m *Messenger) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

// NewMessenger 构造 Messenger。prefix 按租户/会话约定为所有键加前缀。
func NewMessenger(store kv.Store, prefix string, opts ...Option) *Messenger {
	m := &Messenger{
		store:        store,
		prefix:       prefix,
		policy:       backoff.Linear(time.Second, 30*time.Second),
		pollInterval: 100 * time.Millisecond,
		log:          logger.Named("messaging"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Messenger) messageKey(id string) string {
	return m.prefix + ":msg:" + id
}

func (m *Messenger) queueKey(recipient string) string {
	return m.prefix + ":queue:" + recipient
}

func (m *Messenger) ackKey(recipient, id string) string {
	return m.prefix + ":ack:" + recipient + ":" + id
}

func (m *Messenger) queueMetaKey(name string) string {
	return m.prefix + ":qmeta:" + name
}

func (m *Messenger) notifyChannel(recipient string) string {
	return m.prefix + ":notify:" + recipient
}

// SendMessage 存储消息正文、将消息 ID 追加到收件方队列，并推送轻量公告。
// 缺失的 ID 与时间戳会自动补齐。存储失败时返回 false。
func (m *Messenger) SendMessage(ctx context.Context, msg Message) bool {
	if msg.Recipient == "" {
		m.log.Warn("消息缺少收件方，已丢弃", slog.String("sender", msg.Sender))
		return false
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	if meta, ok := m.GetMessageQueue(ctx, msg.Recipient); ok && meta.MaxSize > 0 {
		length, err := m.store.ListLen(ctx, m.queueKey(msg.Recipient))
		if err != nil {
			m.log.Error("查询队列长度失败", slog.String("recipient", msg.Recipient), slog.Any("error", err))
			return false
		}
		if length >= int64(meta.MaxSize) {
			m.log.Warn("队列已达软上限，拒绝投递",
				slog.String("recipient", msg.Recipient),
				slog.Int("max_size", meta.MaxSize),
			)
			return false
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("序列化消息失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		return false
	}
	if err := m.store.SetWithTTL(ctx, m.messageKey(msg.ID), string(body), msg.TTL()); err != nil {
		m.log.Error("写入消息正文失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		return false
	}
	if err := m.store.ListPush(ctx, m.queueKey(msg.Recipient), msg.ID); err != nil {
		m.log.Error("追加收件队列失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		return false
	}

	notice := announcement{
		Kind:      "message",
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Type:      msg.Type,
	}
	if err := m.store.Publish(ctx, m.notifyChannel(msg.Recipient), notice.encode()); err != nil {
		// 公告只是提示，丢失不影响投递语义。
		m.log.Debug("推送实时公告失败", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	return true
}

// ReceiveMessages 按 FIFO 顺序返回最多 limit 条待处理消息，
// 正文已过期的消息 ID 会被顺手清出队列。
func (m *Messenger) ReceiveMessages(ctx context.Context, recipient string, limit int) []Message {
	if limit <= 0 {
		limit = 10
	}
	ids, err := m.store.ListRange(ctx, m.queueKey(recipient), 0, -1)
	if err != nil {
		m.log.Error("读取收件队列失败", slog.String("recipient", recipient), slog.Any("error", err))
		return nil
	}

	messages := make([]Message, 0, limit)
	for _, id := range ids {
		if len(messages) >= limit {
			break
		}
		raw, ok, err := m.store.Get(ctx, m.messageKey(id))
		if err != nil {
			m.log.Error("读取消息正文失败", slog.String("message_id", id), slog.Any("error", err))
			return messages
		}
		if !ok {
			// 正文已过期，仅清理队列残留。
			_ = m.store.ListRemove(ctx, m.queueKey(recipient), id, 1)
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			m.log.Error("解析消息正文失败", slog.String("message_id", id), slog.Any("error", err))
			_ = m.store.ListRemove(ctx, m.queueKey(recipient), id, 1)
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

// AcknowledgeMessage 将消息移出收件队列，记录 24 小时确认标记并通知发送方。
func (m *Messenger) AcknowledgeMessage(ctx context.Context, id, recipient string) bool {
	if err := m.store.ListRemove(ctx, m.queueKey(recipient), id, 1); err != nil {
		m.log.Error("移除队列消息失败", slog.String("message_id", id), slog.Any("error", err))
		return false
	}
	marker := fmt.Sprintf("%d", time.Now().Unix())
	if err := m.store.SetWithTTL(ctx, m.ackKey(recipient, id), marker, ackTTL); err != nil {
		m.log.Error("写入确认标记失败", slog.String("message_id", id), slog.Any("error", err))
		return false
	}

	// 正文还在时通知原发送方；正文已过期则只保留确认标记。
	if raw, ok, err := m.store.Get(ctx, m.messageKey(id)); err == nil && ok {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err == nil && msg.Sender != "" {
			notice := announcement{
				Kind:      "ack",
				MessageID: id,
				Sender:    msg.Sender,
				Recipient: recipient,
			}
			if err := m.store.Publish(ctx, m.notifyChannel(msg.Sender), notice.encode()); err != nil {
				m.log.Debug("通知发送方失败", slog.String("message_id", id), slog.Any("error", err))
			}
		}
	}
	return true
}

// IsMessageAcknowledged 检查 (id, recipient) 的确认标记是否存在。
func (m *Messenger) IsMessageAcknowledged(ctx context.Context, id, recipient string) bool {
	exists, err := m.store.Exists(ctx, m.ackKey(recipient, id))
	if err != nil {
		m.log.Error("查询确认标记失败", slog.String("message_id", id), slog.Any("error", err))
		return false
	}
	return exists
}

// SendWithGuaranteedDelivery 重复发送并轮询确认标记，
// 直到观察到确认或重试耗尽。attempt 间隔为线性退避。
func (m *Messenger) SendWithGuaranteedDelivery(ctx context.Context, msg Message, maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if !m.SendMessage(ctx, msg) {
			if err := backoff.Sleep(ctx, m.policy.Delay(attempt)); err != nil {
				return false
			}
			continue
		}
		if m.waitForAck(ctx, msg.ID, msg.Recipient, m.policy.Delay(attempt)) {
			return true
		}
		m.log.Warn("等待确认超时，准备重发",
			slog.String("message_id", msg.ID),
			slog.String("recipient", msg.Recipient),
			slog.Int("attempt", attempt),
		)
	}
	return false
}

// waitForAck 在窗口期内轮询确认标记。
func (m *Messenger) waitForAck(ctx context.Context, id, recipient string, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		if m.IsMessageAcknowledged(ctx, id, recipient) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if err := backoff.Sleep(ctx, m.pollInterval); err != nil {
			return false
		}
	}
}

// BroadcastMessage 向所有收件方独立投递同一内容，返回成功数量。
// 单个收件方失败不影响其他收件方。
func (m *Messenger) BroadcastMessage(ctx context.Context, msg Message, recipients []string) int {
	delivered := 0
	for _, recipient := range recipients {
		copied := msg
		copied.ID = uuid.NewString()
		copied.Recipient = recipient
		if m.SendMessage(ctx, copied) {
			delivered++
		}
	}
	return delivered
}

// CreateMessageQueue 声明一个具名队列及其软上限。
func (m *Messenger) CreateMessageQueue(ctx context.Context, name string, maxSize int) bool {
	info := QueueInfo{Name: name, MaxSize: maxSize, CreatedAt: time.Now().Unix()}
	raw, err := json.Marshal(info)
	if err != nil {
		m.log.Error("序列化队列元信息失败", slog.String("queue", name), slog.Any("error", err))
		return false
	}
	if err := m.store.SetWithTTL(ctx, m.queueMetaKey(name), string(raw), 0); err != nil {
		m.log.Error("写入队列元信息失败", slog.String("queue", name), slog.Any("error", err))
		return false
	}
	return true
}

// GetMessageQueue 返回具名队列的元信息。
func (m *Messenger) GetMessageQueue(ctx context.Context, name string) (QueueInfo, bool) {
	raw, ok, err := m.store.Get(ctx, m.queueMetaKey(name))
	if err != nil {
		m.log.Error("读取队列元信息失败", slog.String("queue", name), slog.Any("error", err))
		return QueueInfo{}, false
	}
	if !ok {
		return QueueInfo{}, false
	}
	var info QueueInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		m.log.Error("解析队列元信息失败", slog.String("queue", name), slog.Any("error", err))
		return QueueInfo{}, false
	}
	return info, true
}
