package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestTryLock_MutualExclusion(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "txn:lock:DEP001", "holder-a", time.Minute)
	second := NewDistributedLock(client, "txn:lock:DEP001", "holder-b", time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// 同一把锁第二个持有者拿不到
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 释放后才能拿到
	require.NoError(t, first.Unlock(ctx))
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlock_OnlyOwnerReleases(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	owner := NewDistributedLock(client, "txn:lock:DEP002", "holder-a", time.Minute)
	intruder := NewDistributedLock(client, "txn:lock:DEP002", "holder-b", time.Minute)

	ok, err := owner.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 非持有者释放是无操作，锁还在
	require.NoError(t, intruder.Unlock(ctx))
	assert.True(t, mr.Exists("txn:lock:DEP002"))

	require.NoError(t, owner.Unlock(ctx))
	assert.False(t, mr.Exists("txn:lock:DEP002"))
}

func TestLock_RetriesUntilAcquired(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "txn:lock:DEP003", "holder-a", time.Minute)
	second := NewDistributedLock(client, "txn:lock:DEP003", "holder-b", time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 持有者稍后释放，等待方重试后应当拿到
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = first.Unlock(context.Background())
	}()

	err = second.Lock(ctx, 10*time.Millisecond, 20)
	require.NoError(t, err)
}

func TestLock_ExhaustsRetries(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "txn:lock:DEP004", "holder-a", time.Minute)
	second := NewDistributedLock(client, "txn:lock:DEP004", "holder-b", time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = second.Lock(ctx, time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestLock_ExpirationFreesLock(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "txn:lock:DEP005", "holder-a", 50*time.Millisecond)
	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 过期后其他持有者可以拿到（防死锁）
	mr.FastForward(100 * time.Millisecond)

	second := NewDistributedLock(client, "txn:lock:DEP005", "holder-b", time.Minute)
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// 过期的旧持有者不会误删新持有者的锁
	require.NoError(t, first.Unlock(ctx))
	assert.True(t, mr.Exists("txn:lock:DEP005"))
}

func TestLockKeyConventions(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	depositLock := NewDepositLock(client, 42, "req-1")
	ok, err := depositLock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("deposit:lock:user:42"))

	txnLock := NewTransactionLock(client, "DEP006", "holder-a")
	ok, err = txnLock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("txn:lock:DEP006"))
}
