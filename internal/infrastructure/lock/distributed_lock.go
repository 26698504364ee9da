package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 同一笔交易可能被多个入口同时推进：网关回调、状态轮询、补单任务。
// 假设回调和补单同时看到 payment_completed，各自发起一次上分，
// 用户就会被重复上分。按交易号加锁后，同一时刻只有一个入口在处理。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证"检查+删除"原子性
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
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
// 【关键点】Lua 脚本先验证 value 再删除：处理超时导致锁自动过期、
// 被别人重新持有后，过期的持有者不会误删新持有者的锁。
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
// 便捷函数
// ============================================================================

// NewDepositLock 创建充值锁（按用户维度）
//
// 同一用户同一时间只允许一条活跃支付意向，按用户加锁防止网络抖动
// 导致的重复下单；不同用户互不影响。
func NewDepositLock(client *redis.Client, userID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("deposit:lock:user:%d", userID)
	// value 使用 requestID，便于追踪是哪个请求持有锁
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}

// NewTransactionLock 创建交易推进锁（按交易号维度）
//
// 回调、轮询、补单对同一笔交易的状态推进串行化。
func NewTransactionLock(client *redis.Client, transactionNo, holder string) *DistributedLock {
	key := fmt.Sprintf("txn:lock:%s", transactionNo)
	return NewDistributedLock(client, key, holder, 60*time.Second)
}
