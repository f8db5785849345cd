package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 实体级互斥锁
// ============================================================================
//
// 【为什么需要按实体加锁？】
//
// 场景：同一章节的两笔分发同时审批通过（两个主席端同时点击）
//
// 没有锁时：
//   goroutine1: 查询 remaining=2500 -> 扣减 2500 -> remaining=0    OK
//   goroutine2: 查询 remaining=2500 -> 扣减 2500 -> remaining=-2500 超支了！
//
// 加锁后同一实体的入账严格串行，不同实体互不阻塞。
// 数据库层还有乐观锁版本号兜底，锁只是把冲突挡在前面，降低重试率。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本先比对 value 再删除，保证原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取实体锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// Locker 单把锁的获取/释放
// 生产环境用 Redis 实现；测试环境没有 Redis，用进程内互斥锁实现
type Locker interface {
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// Manager 按 key 构造锁
type Manager interface {
	NewLock(key, value string) Locker
}

// ============================================================================
// Redis 实现
// ============================================================================

// RedisManager 基于 Redis 的锁工厂
type RedisManager struct {
	client     *redis.Client
	expiration time.Duration
}

func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client, expiration: 30 * time.Second}
}

func (m *RedisManager) NewLock(key, value string) Locker {
	return &DistributedLock{
		client:     m.client,
		key:        key,
		value:      value,
		expiration: m.expiration,
	}
}

// DistributedLock Redis 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// TryLock 尝试获取锁（非阻塞）
//
// 【关键点】使用 SetNX 命令，只有当 key 不存在时才能设置成功
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】Lua 脚本保证"检查+删除"的原子性
//
//	场景：A 获取锁 -> A 处理超时，锁自动过期 -> B 获取锁 -> A 执行完毕，调用 Unlock
//	不校验 value 的话，A 会把 B 的锁删掉
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 进程内实现（测试 / 单机部署兜底）
// ============================================================================

// LocalManager 进程内锁工厂，key -> mutex
type LocalManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalManager() *LocalManager {
	return &LocalManager{locks: make(map[string]*sync.Mutex)}
}

func (m *LocalManager) NewLock(key, value string) Locker {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return &localLock{mu: l}
}

type localLock struct {
	mu *sync.Mutex
}

// Lock 进程内互斥，直接阻塞等待，忽略重试参数
func (l *localLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	l.mu.Lock()
	return nil
}

func (l *localLock) Unlock(ctx context.Context) error {
	l.mu.Unlock()
	return nil
}

// ============================================================================
// 业务锁 key
// ============================================================================

// EntityKey 实体入账锁
// 同一实体的入账串行；不同实体（不同章节、不同大使、不同池子）并行
func EntityKey(entityType string, entityID int64) string {
	return fmt.Sprintf("ledger:lock:%s:%d", entityType, entityID)
}

// AllocationKey (章节, 账期) 锁
// 保证调度触发和手工触发并发时同一账期只有一次拨款尝试在跑
func AllocationKey(chapterID int64, period string) string {
	return fmt.Sprintf("alloc:lock:%d:%s", chapterID, period)
}
