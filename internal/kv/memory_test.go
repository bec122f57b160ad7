package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGetSetWithTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.SetWithTTL(ctx, "k", "v", 0); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	value, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("读取结果不符: %q %v %v", value, ok, err)
	}

	if err := m.SetWithTTL(ctx, "ttl", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "ttl"); ok {
		t.Fatal("过期键不应可读")
	}
	if exists, _ := m.Exists(ctx, "ttl"); exists {
		t.Fatal("过期键不应存在")
	}
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.SetNX(ctx, "k", "first", 0)
	if err != nil || !created {
		t.Fatalf("首次 SetNX 应成功: %v %v", created, err)
	}
	created, err = m.SetNX(ctx, "k", "second", 0)
	if err != nil || created {
		t.Fatalf("键存在时 SetNX 应失败: %v %v", created, err)
	}
	value, _, _ := m.Get(ctx, "k")
	if value != "first" {
		t.Fatalf("SetNX 不应覆盖: %q", value)
	}

	// 过期键可被重新占用。
	_ = m.SetWithTTL(ctx, "expiring", "old", 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	created, _ = m.SetNX(ctx, "expiring", "new", 0)
	if !created {
		t.Fatal("过期键上的 SetNX 应成功")
	}
}

func TestMemoryListOperations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, v := range []string{"a", "b", "c", "b"} {
		if err := m.ListPush(ctx, "list", v); err != nil {
			t.Fatalf("追加失败: %v", err)
		}
	}

	all, err := m.ListRange(ctx, "list", 0, -1)
	if err != nil || len(all) != 4 {
		t.Fatalf("全量读取不符: %v %v", all, err)
	}
	if all[0] != "a" || all[3] != "b" {
		t.Fatalf("顺序应为插入序: %v", all)
	}

	head, _ := m.ListRange(ctx, "list", 0, 1)
	if len(head) != 2 || head[0] != "a" || head[1] != "b" {
		t.Fatalf("前缀读取不符: %v", head)
	}

	if err := m.ListRemove(ctx, "list", "b", 1); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	rest, _ := m.ListRange(ctx, "list", 0, -1)
	if len(rest) != 3 || rest[0] != "a" || rest[1] != "c" || rest[2] != "b" {
		t.Fatalf("应只删除首个匹配: %v", rest)
	}

	length, _ := m.ListLen(ctx, "list")
	if length != 3 {
		t.Fatalf("长度 = %d, want 3", length)
	}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ch := m.Subscribe("events")
	if err := m.Publish(ctx, "events", "hello"); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	select {
	case got := <-ch:
		if got != "hello" {
			t.Fatalf("收到 %q, want hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到订阅消息")
	}

	// 无订阅者的通道静默丢弃。
	if err := m.Publish(ctx, "nobody", "x"); err != nil {
		t.Fatalf("无订阅者发布不应报错: %v", err)
	}
}

func TestMemoryFailWith(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("存储不可用")

	_ = m.SetWithTTL(ctx, "k", "v", 0)
	m.FailWith(boom)

	if _, _, err := m.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("应返回注入的错误: %v", err)
	}
	if err := m.ListPush(ctx, "l", "v"); !errors.Is(err, boom) {
		t.Fatalf("应返回注入的错误: %v", err)
	}

	m.FailWith(nil)
	if _, ok, err := m.Get(ctx, "k"); err != nil || !ok {
		t.Fatalf("恢复后应正常: %v %v", ok, err)
	}
}
