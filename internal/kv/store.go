package kv

import (
	"context"
	"time"
)

// Store 抽象了消息与资源租约共享的键值存储能力。
// 所有键都由调用方按照租户/会话约定拼接，存储层不做隔离。
type Store interface {
	// Get 返回键对应的值。键不存在或已过期时 ok 为 false。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// SetWithTTL 写入键值。ttl 为 0 表示不过期。
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX 仅在键不存在时写入，返回是否写入成功。
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete 删除键。键不存在时不报错。
	Delete(ctx context.Context, key string) error
	// Exists 判断键是否存在且未过期。
	Exists(ctx context.Context, key string) (bool, error)
	// ListPush 将值追加到列表尾部，保持 FIFO 插入顺序。
	ListPush(ctx context.Context, key, value string) error
	// ListRange 返回 [start, stop] 区间内的列表元素，stop 为 -1 表示末尾。
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ListRemove 从列表中移除最多 count 个等于 value 的元素。
	ListRemove(ctx context.Context, key, value string, count int64) error
	// ListLen 返回列表长度。
	ListLen(ctx context.Context, key string) (int64, error)
	// Publish 向实时通知通道推送一条轻量载荷。
	Publish(ctx context.Context, channel, payload string) error
	// Close 释放底层连接。
	Close() error
}
