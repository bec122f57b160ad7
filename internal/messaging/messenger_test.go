package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"FlowMesh/internal/kv"
	"FlowMesh/pkg/backoff"
)

func newTestMessenger(store kv.Store) *Messenger {
	return NewMessenger(store, "test",
		WithDeliveryPolicy(backoff.Linear(20*time.Millisecond, 100*time.Millisecond)),
		WithAckPollInterval(time.Millisecond),
	)
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := newTestMessenger(store)

	ok := m.SendMessage(ctx, Message{
		Sender:    "alice",
		Recipient: "bob",
		Type:      "greeting",
		Payload:   map[string]any{"text": "hello"},
	})
	if !ok {
		t.Fatal("发送应成功")
	}

	messages := m.ReceiveMessages(ctx, "bob", 10)
	if len(messages) != 1 {
		t.Fatalf("期望收到 1 条消息, 实际 %d", len(messages))
	}
	got := messages[0]
	if got.Sender != "alice" || got.Type != "greeting" {
		t.Fatalf("消息内容不符: %+v", got)
	}
	if got.Payload["text"] != "hello" {
		t.Fatalf("payload 不符: %v", got.Payload)
	}
	if got.ID == "" || got.Timestamp == 0 {
		t.Fatal("ID 与时间戳应自动补齐")
	}
}

func TestReceiveMessagesFIFOAndLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestMessenger(kv.NewMemory())

	for i := 0; i < 5; i++ {
		m.SendMessage(ctx, Message{
			ID:        string(rune('a' + i)),
			Sender:    "alice",
			Recipient: "bob",
		})
	}

	messages := m.ReceiveMessages(ctx, "bob", 3)
	if len(messages) != 3 {
		t.Fatalf("期望 3 条, 实际 %d", len(messages))
	}
	for i, want := range []string{"a", "b", "c"} {
		if messages[i].ID != want {
			t.Fatalf("第 %d 条消息 ID = %s, want %s（FIFO）", i, messages[i].ID, want)
		}
	}
}

func TestAcknowledgeRemovesFromQueue(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := newTestMessenger(store)

	m.SendMessage(ctx, Message{ID: "m1", Sender: "alice", Recipient: "bob"})

	if m.IsMessageAcknowledged(ctx, "m1", "bob") {
		t.Fatal("尚未确认的消息不应有确认标记")
	}
	if !m.AcknowledgeMessage(ctx, "m1", "bob") {
		t.Fatal("确认应成功")
	}
	if !m.IsMessageAcknowledged(ctx, "m1", "bob") {
		t.Fatal("确认后标记应存在")
	}
	if got := m.ReceiveMessages(ctx, "bob", 10); len(got) != 0 {
		t.Fatalf("确认后的消息不应再出现在队列中: %v", got)
	}
}

func TestAcknowledgeNotifiesSender(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := newTestMessenger(store)

	notices := store.Subscribe("test:notify:alice")
	m.SendMessage(ctx, Message{ID: "m1", Sender: "alice", Recipient: "bob"})
	m.AcknowledgeMessage(ctx, "m1", "bob")

	select {
	case raw := <-notices:
		if raw == "" {
			t.Fatal("公告内容为空")
		}
	case <-time.After(time.Second):
		t.Fatal("发送方未收到确认公告")
	}
}

func TestExpiredBodySkippedOnReceive(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := newTestMessenger(store)

	m.SendMessage(ctx, Message{ID: "stale", Recipient: "bob", TTLSeconds: 1})
	m.SendMessage(ctx, Message{ID: "fresh", Recipient: "bob"})

	// 直接删掉正文模拟 TTL 过期。
	_ = store.Delete(ctx, "test:msg:stale")

	messages := m.ReceiveMessages(ctx, "bob", 10)
	if len(messages) != 1 || messages[0].ID != "fresh" {
		t.Fatalf("过期消息应被跳过: %v", messages)
	}
	// 过期 ID 应被顺手清出队列。
	if again := m.ReceiveMessages(ctx, "bob", 10); len(again) != 1 {
		t.Fatalf("过期 ID 未被清理: %v", again)
	}
}

func TestGuaranteedDeliverySucceedsOnAck(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := newTestMessenger(store)

	msg := Message{ID: "gd1", Sender: "alice", Recipient: "bob"}
	go func() {
		for i := 0; i < 100; i++ {
			if received := m.ReceiveMessages(ctx, "bob", 1); len(received) > 0 {
				m.AcknowledgeMessage(ctx, received[0].ID, "bob")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if !m.SendWithGuaranteedDelivery(ctx, msg, 3) {
		t.Fatal("确认后保证投递应成功")
	}
}

func TestGuaranteedDeliveryExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	m := newTestMessenger(kv.NewMemory())

	// 没有任何接收方确认。
	if m.SendWithGuaranteedDelivery(ctx, Message{ID: "gd2", Recipient: "bob"}, 2) {
		t.Fatal("无确认时保证投递应失败")
	}
}

func TestBroadcastIndependentFanout(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := newTestMessenger(store)

	delivered := m.BroadcastMessage(ctx, Message{Sender: "alice", Type: "notice"},
		[]string{"bob", "carol", "dave"})
	if delivered != 3 {
		t.Fatalf("期望投递 3 个收件方, 实际 %d", delivered)
	}
	for _, recipient := range []string{"bob", "carol", "dave"} {
		messages := m.ReceiveMessages(ctx, recipient, 10)
		if len(messages) != 1 {
			t.Fatalf("%s 应收到 1 条消息, 实际 %d", recipient, len(messages))
		}
	}

	// 缺少收件方的一路失败，不影响其余两路。
	delivered = m.BroadcastMessage(ctx, Message{Sender: "alice"}, []string{"eve", "", "frank"})
	if delivered != 2 {
		t.Fatalf("期望投递 2 个收件方, 实际 %d", delivered)
	}
}

func TestNamedQueueSoftLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestMessenger(kv.NewMemory())

	if !m.CreateMessageQueue(ctx, "bob", 2) {
		t.Fatal("创建队列应成功")
	}
	info, ok := m.GetMessageQueue(ctx, "bob")
	if !ok || info.MaxSize != 2 {
		t.Fatalf("队列元信息不符: %+v", info)
	}

	if !m.SendMessage(ctx, Message{Recipient: "bob"}) {
		t.Fatal("第 1 条应成功")
	}
	if !m.SendMessage(ctx, Message{Recipient: "bob"}) {
		t.Fatal("第 2 条应成功")
	}
	if m.SendMessage(ctx, Message{Recipient: "bob"}) {
		t.Fatal("超过软上限应被拒绝")
	}
}

func TestOperationsDegradeOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := newTestMessenger(store)

	m.SendMessage(ctx, Message{ID: "m1", Recipient: "bob"})
	store.FailWith(errors.New("存储不可用"))

	if m.SendMessage(ctx, Message{Recipient: "bob"}) {
		t.Fatal("存储故障时发送应返回 false")
	}
	if got := m.ReceiveMessages(ctx, "bob", 10); got != nil {
		t.Fatalf("存储故障时接收应返回空: %v", got)
	}
	if m.AcknowledgeMessage(ctx, "m1", "bob") {
		t.Fatal("存储故障时确认应返回 false")
	}
	if m.IsMessageAcknowledged(ctx, "m1", "bob") {
		t.Fatal("存储故障时查询应返回 false")
	}
	if _, ok := m.GetMessageQueue(ctx, "bob"); ok {
		t.Fatal("存储故障时查询队列应返回 false")
	}

	store.FailWith(nil)
	if got := m.ReceiveMessages(ctx, "bob", 10); len(got) != 1 {
		t.Fatalf("恢复后应正常读取: %v", got)
	}
}

func TestMessageTTLDefault(t *testing.T) {
	msg := Message{}
	if msg.TTL() != DefaultTTL {
		t.Fatalf("默认 TTL = %v, want %v", msg.TTL(), DefaultTTL)
	}
	msg.TTLSeconds = 60
	if msg.TTL() != time.Minute {
		t.Fatalf("显式 TTL = %v, want 1m", msg.TTL())
	}
}
