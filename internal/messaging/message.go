package messaging

import (
	"encoding/json"
	"time"
)

// 默认消息存活时间与确认标记存活时间。
const (
	DefaultTTL = 3600 * time.Second
	ackTTL     = 24 * time.Hour
)

// Message 是组件间传递的一条消息。由发送方创建，确认或过期后消失。
type Message struct {
	ID         string         `json:"id"`
	Sender     string         `json:"sender"`
	Recipient  string         `json:"recipient"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	TTLSeconds int            `json:"ttl_seconds,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// TTL 返回消息的存活时间，未设置时使用默认值。
func (m Message) TTL() time.Duration {
	if m.TTLSeconds <= 0 {
		return DefaultTTL
	}
	return time.Duration(m.TTLSeconds) * time.Second
}

// QueueInfo 描述一个具名队列的元信息。maxSize 是软上限，由生产者遵守。
type QueueInfo struct {
	Name      string `json:"name"`
	MaxSize   int    `json:"max_size"`
	CreatedAt int64  `json:"created_at"`
}

// announcement 是推送到实时通道的轻量公告，不携带消息正文。
type announcement struct {
	Kind      string `json:"kind"`
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Type      string `json:"type,omitempty"`
}

func (a announcement) encode() string {
	raw, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return string(raw)
}
