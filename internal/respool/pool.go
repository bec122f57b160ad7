// Package respool brokers exclusive, time-bounded leases on resource ids from
// fixed-capacity named pools, backed by the shared key-value store. Expiry is
// lazy: a lease past its deadline counts as free before the sweep removes it.
package respool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"FlowMesh/internal/kv"
	"FlowMesh/pkg/logger"
)

// Pool 描述一个固定容量的资源池。
type Pool struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	CreatedAt int64  `json:"created_at"`
}

// Allocation 是一次资源租约。释放或清扫后销毁。
// 时间戳以毫秒记录，秒级精度会把租约的最后一秒误判为已过期。
type Allocation struct {
	ResourceID  string            `json:"resource_id"`
	Pool        string            `json:"pool"`
	Owner       string            `json:"owner"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	AllocatedAt int64             `json:"allocated_at_ms"`
	ExpiresAt   int64             `json:"expires_at_ms"`
}

// Expired 判断租约是否已过期。恰在到期时刻仍视为有效。
func (a Allocation) Expired(now time.Time) bool {
	return a.ExpiresAt > 0 && now.UnixMilli() > a.ExpiresAt
}

// Broker 管理若干资源池的租约分配。
type Broker struct {
	store  kv.Store
	prefix string
	log    *slog.Logger
}

// NewBroker 构造 Broker。prefix 按租户约定为所有键加前缀。
func NewBroker(store kv.Store, prefix string) *Broker {
	return &Broker{
		store:  store,
		prefix: prefix,
		log:    logger.Named("respool"),
	}
}

func (b *Broker) poolKey(name string) string {
	return b.prefix + ":pool:" + name
}

func (b *Broker) allocKey(pool, resourceID string) string {
	return b.prefix + ":pool:" + pool + ":alloc:" + resourceID
}

func (b *Broker) rosterKey(pool string) string {
	return b.prefix + ":pool:" + pool + ":ids"
}

// CreateResourcePool 声明一个命名资源池。
func (b *Broker) CreateResourcePool(ctx context.Context, name string, capacity int) bool {
	if name == "" || capacity <= 0 {
		b.log.Warn("非法的资源池参数", slog.String("pool", name), slog.Int("capacity", capacity))
		return false
	}
	pool := Pool{Name: name, Capacity: capacity, CreatedAt: time.Now().Unix()}
	raw, err := json.Marshal(pool)
	if err != nil {
		b.log.Error("序列化资源池失败", slog.String("pool", name), slog.Any("error", err))
		return false
	}
	if err := b.store.SetWithTTL(ctx, b.poolKey(name), string(raw), 0); err != nil {
		b.log.Error("写入资源池失败", slog.String("pool", name), slog.Any("error", err))
		return false
	}
	return true
}

// GetPool 返回资源池定义。
func (b *Broker) GetPool(ctx context.Context, name string) (Pool, bool) {
	raw, ok, err := b.store.Get(ctx, b.poolKey(name))
	if err != nil {
		b.log.Error("读取资源池失败", slog.String("pool", name), slog.Any("error", err))
		return Pool{}, false
	}
	if !ok {
		return Pool{}, false
	}
	var pool Pool
	if err := json.Unmarshal([]byte(raw), &pool); err != nil {
		b.log.Error("解析资源池失败", slog.String("pool", name), slog.Any("error", err))
		return Pool{}, false
	}
	return pool, true
}

// AllocateResource 申请一个资源租约。资源已被未过期租约占用、
// 或池已满时返回 false。写入使用 SetNX 避免读写竞态。
func (b *Broker) AllocateResource(ctx context.Context, poolName, resourceID, owner string, duration time.Duration, metadata map[string]string) bool {
	pool, ok := b.GetPool(ctx, poolName)
	if !ok {
		b.log.Warn("资源池不存在", slog.String("pool", poolName))
		return false
	}
	if duration <= 0 {
		duration = time.Minute
	}

	allocated, err := b.countActive(ctx, poolName)
	if err != nil {
		b.log.Error("统计活跃租约失败", slog.String("pool", poolName), slog.Any("error", err))
		return false
	}
	if allocated >= pool.Capacity {
		b.log.Warn("资源池已满",
			slog.String("pool", poolName),
			slog.Int("capacity", pool.Capacity),
		)
		return false
	}

	now := time.Now()
	alloc := Allocation{
		ResourceID:  resourceID,
		Pool:        poolName,
		Owner:       owner,
		Metadata:    metadata,
		AllocatedAt: now.UnixMilli(),
		ExpiresAt:   now.Add(duration).UnixMilli(),
	}
	raw, err := json.Marshal(alloc)
	if err != nil {
		b.log.Error("序列化租约失败", slog.String("resource", resourceID), slog.Any("error", err))
		return false
	}

	key := b.allocKey(poolName, resourceID)
	created, err := b.store.SetNX(ctx, key, string(raw), 0)
	if err != nil {
		b.log.Error("写入租约失败", slog.String("resource", resourceID), slog.Any("error", err))
		return false
	}
	if !created {
		// 键已存在：仅当旧租约过期时才允许覆盖。
		existing, ok := b.getAllocation(ctx, poolName, resourceID)
		if ok && !existing.Expired(now) {
			return false
		}
		if err := b.store.SetWithTTL(ctx, key, string(raw), 0); err != nil {
			b.log.Error("覆盖过期租约失败", slog.String("resource", resourceID), slog.Any("error", err))
			return false
		}
	}

	if !b.inRoster(ctx, poolName, resourceID) {
		if err := b.store.ListPush(ctx, b.rosterKey(poolName), resourceID); err != nil {
			b.log.Error("登记资源 ID 失败", slog.String("resource", resourceID), slog.Any("error", err))
		}
	}
	return true
}

// ReleaseResource 释放租约。
func (b *Broker) ReleaseResource(ctx context.Context, poolName, resourceID string) bool {
	if err := b.store.Delete(ctx, b.allocKey(poolName, resourceID)); err != nil {
		b.log.Error("释放租约失败", slog.String("resource", resourceID), slog.Any("error", err))
		return false
	}
	return true
}

// GetResourceAllocation 返回资源当前的租约记录（含已过期未清扫的）。
func (b *Broker) GetResourceAllocation(ctx context.Context, poolName, resourceID string) (Allocation, bool) {
	return b.getAllocation(ctx, poolName, resourceID)
}

// IsResourceAvailable 判断资源是否可被申请。过期租约视为可用。
func (b *Broker) IsResourceAvailable(ctx context.Context, poolName, resourceID string) bool {
	alloc, ok := b.getAllocation(ctx, poolName, resourceID)
	if !ok {
		return true
	}
	return alloc.Expired(time.Now())
}

// GetAvailableResources 返回登记过且当前未被租用的资源 ID。
func (b *Broker) GetAvailableResources(ctx context.Context, poolName string) []string {
	ids, err := b.store.ListRange(ctx, b.rosterKey(poolName), 0, -1)
	if err != nil {
		b.log.Error("读取资源登记表失败", slog.String("pool", poolName), slog.Any("error", err))
		return nil
	}
	available := make([]string, 0, len(ids))
	for _, id := range ids {
		if b.IsResourceAvailable(ctx, poolName, id) {
			available = append(available, id)
		}
	}
	return available
}

// CleanupExpiredAllocations 清扫过期租约并返回清除数量。
func (b *Broker) CleanupExpiredAllocations(ctx context.Context, poolName string) int {
	ids, err := b.store.ListRange(ctx, b.rosterKey(poolName), 0, -1)
	if err != nil {
		b.log.Error("读取资源登记表失败", slog.String("pool", poolName), slog.Any("error", err))
		return 0
	}
	now := time.Now()
	removed := 0
	for _, id := range ids {
		alloc, ok := b.getAllocation(ctx, poolName, id)
		if !ok || !alloc.Expired(now) {
			continue
		}
		if err := b.store.Delete(ctx, b.allocKey(poolName, id)); err != nil {
			b.log.Error("删除过期租约失败", slog.String("resource", id), slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		b.log.Info("清扫过期租约完成",
			slog.String("pool", poolName),
			slog.Int("removed", removed),
		)
	}
	return removed
}

// AllocatedCount 返回池内未过期租约数量。
func (b *Broker) AllocatedCount(ctx context.Context, poolName string) int {
	count, err := b.countActive(ctx, poolName)
	if err != nil {
		b.log.Error("统计活跃租约失败", slog.String("pool", poolName), slog.Any("error", err))
		return 0
	}
	return count
}

func (b *Broker) getAllocation(ctx context.Context, poolName, resourceID string) (Allocation, bool) {
	raw, ok, err := b.store.Get(ctx, b.allocKey(poolName, resourceID))
	if err != nil {
		b.log.Error("读取租约失败", slog.String("resource", resourceID), slog.Any("error", err))
		return Allocation{}, false
	}
	if !ok {
		return Allocation{}, false
	}
	var alloc Allocation
	if err := json.Unmarshal([]byte(raw), &alloc); err != nil {
		b.log.Error("解析租约失败", slog.String("resource", resourceID), slog.Any("error", err))
		return Allocation{}, false
	}
	return alloc, true
}

func (b *Broker) countActive(ctx context.Context, poolName string) (int, error) {
	ids, err := b.store.ListRange(ctx, b.rosterKey(poolName), 0, -1)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	active := 0
	for _, id := range ids {
		alloc, ok := b.getAllocation(ctx, poolName, id)
		if ok && !alloc.Expired(now) {
			active++
		}
	}
	return active, nil
}

func (b *Broker) inRoster(ctx context.Context, poolName, resourceID string) bool {
	ids, err := b.store.ListRange(ctx, b.rosterKey(poolName), 0, -1)
	if err != nil {
		return false
	}
	for _, id := range ids {
		if id == resourceID {
			return true
		}
	}
	return false
}
