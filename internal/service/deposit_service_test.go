package service

import (
	"context"
	"testing"
	"time"

	"gcashpay/internal/model"
	"gcashpay/internal/upstream/gcash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type depositFixture struct {
	svc     *DepositService
	txns    *memTxnStore
	users   *memUserStore
	intents *memIntentStore
	outbox  *memOutbox
	gateway *fakeGateway
}

func newDepositFixture(t *testing.T, users *memUserStore) *depositFixture {
	t.Helper()
	txns := newMemTxnStore()
	intents := newMemIntentStore()
	outbox := &memOutbox{}
	gateway := &fakeGateway{}
	svc := NewDepositService(txns, users, intents, outbox, gateway, &fakeLedger{}, &fakeTokens{},
		newTestRedis(t), newTestConfig())
	return &depositFixture{svc: svc, txns: txns, users: users, intents: intents, outbox: outbox, gateway: gateway}
}

func TestCreateDeposit(t *testing.T) {
	users := newMemUserStore(&model.User{ID: 1, Username: "alice", TopManager: "topmgr01"})
	f := newDepositFixture(t, users)

	resp, err := f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-001", UserID: 1, Amount: 50000,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.TransactionNo)
	assert.Equal(t, model.StatusPending, resp.Status)
	assert.NotEmpty(t, resp.PayURL)
	assert.False(t, resp.ExpiresAt.IsZero())

	txn, err := f.txns.GetByTransactionNo(context.Background(), resp.TransactionNo)
	require.NoError(t, err)
	assert.Equal(t, "PHP", txn.Currency)
	assert.Equal(t, model.GcashStatusPending, txn.GcashStatus)
	assert.Equal(t, model.CasinoStatusPending, txn.CasinoStatus)
	require.Len(t, txn.StatusHistory, 1)

	intent, err := f.intents.GetByReference(context.Background(), resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionNo, intent.TransactionNo)
	assert.Equal(t, model.IntentStatusPending, intent.Status)

	// 状态事件已写 outbox
	assert.Equal(t, 1, f.outbox.count())
}

func TestCreateDeposit_Idempotent(t *testing.T) {
	users := newMemUserStore(&model.User{ID: 1, Username: "alice", TopManager: "topmgr01"})
	f := newDepositFixture(t, users)

	req := &CreateDepositRequest{RequestID: "req-002", UserID: 1, Amount: 50000}
	first, err := f.svc.CreateDeposit(context.Background(), req)
	require.NoError(t, err)

	// 相同 request_id 再来一次：返回同一订单，不新建
	second, err := f.svc.CreateDeposit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionNo, second.TransactionNo)
	assert.Equal(t, "订单已存在", second.Message)

	_, total, _ := f.txns.ListByUserID(context.Background(), 1, 1, 10)
	assert.Equal(t, int64(1), total)
}

func TestCreateDeposit_AmountBounds(t *testing.T) {
	users := newMemUserStore(&model.User{ID: 1, Username: "alice"})
	f := newDepositFixture(t, users)

	_, err := f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-003", UserID: 1, Amount: 1, // 低于下限
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-004", UserID: 1, Amount: 99999999999,
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateDeposit_ActiveIntentBlocks(t *testing.T) {
	users := newMemUserStore(&model.User{ID: 1, Username: "alice", TopManager: "topmgr01"})
	f := newDepositFixture(t, users)

	_, err := f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-005", UserID: 1, Amount: 50000,
	})
	require.NoError(t, err)

	// 第一单的意向还活着：不同 request_id 的新单被拒
	_, err = f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-006", UserID: 1, Amount: 60000,
	})
	assert.ErrorIs(t, err, ErrActiveIntentExist)
}

func TestCreateDeposit_AssignsTopManager(t *testing.T) {
	// 未绑定总代的用户下单后机会性回填归属
	users := newMemUserStore(&model.User{ID: 1, Username: "alice"})
	f := newDepositFixture(t, users)

	_, err := f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-007", UserID: 1, Amount: 50000,
	})
	require.NoError(t, err)

	user, _ := users.GetByID(context.Background(), 1)
	assert.Equal(t, "topmgr01", user.TopManager)
}

func TestCancel(t *testing.T) {
	users := newMemUserStore(&model.User{ID: 1, Username: "alice", TopManager: "topmgr01"})
	f := newDepositFixture(t, users)

	resp, err := f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-008", UserID: 1, Amount: 50000,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(context.Background(), resp.TransactionNo, "admin"))

	txn, _ := f.txns.GetByTransactionNo(context.Background(), resp.TransactionNo)
	assert.Equal(t, model.StatusCancelled, txn.Status)

	intent, _ := f.intents.GetByReference(context.Background(), resp.Reference)
	assert.Equal(t, model.IntentStatusCancelled, intent.Status)

	// cancelled 是终态：再取消被拒
	assert.ErrorIs(t, f.svc.Cancel(context.Background(), resp.TransactionNo, "admin"), ErrCannotCancel)

	// 意向已不活跃：同一用户可以重新下单
	_, err = f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-009", UserID: 1, Amount: 50000,
	})
	require.NoError(t, err)
}

func TestGetDetail(t *testing.T) {
	users := newMemUserStore(&model.User{ID: 1, Username: "alice", TopManager: "topmgr01"})
	f := newDepositFixture(t, users)

	resp, err := f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-010", UserID: 1, Amount: 50000,
	})
	require.NoError(t, err)

	txn, timeline, err := f.svc.GetDetail(context.Background(), resp.TransactionNo)
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionNo, txn.TransactionNo)
	require.NotEmpty(t, timeline)
	assert.Equal(t, model.PhaseDeposit, timeline[0].Phase)
	assert.Equal(t, model.PhaseOverall, timeline[len(timeline)-1].Phase)
}

func TestCreateDeposit_GatewayExpiryFallback(t *testing.T) {
	users := newMemUserStore(&model.User{ID: 1, Username: "alice", TopManager: "topmgr01"})
	f := newDepositFixture(t, users)

	// 网关没给有效期：用本地 TTL 兜底
	f.gateway.generateFunc = func(ctx context.Context, amount int64, reference string) (*gcash.PaymentOrder, error) {
		return &gcash.PaymentOrder{Reference: "REF-" + reference, PayURL: "https://pay.test/x"}, nil
	}

	before := time.Now()
	resp, err := f.svc.CreateDeposit(context.Background(), &CreateDepositRequest{
		RequestID: "req-011", UserID: 1, Amount: 50000,
	})
	require.NoError(t, err)
	assert.True(t, resp.ExpiresAt.After(before.Add(29*time.Minute)))
}
