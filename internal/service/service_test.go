package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gcashpay/internal/config"
	"gcashpay/internal/model"
	"gcashpay/internal/repository"
	"gcashpay/internal/upstream/casino"
	"gcashpay/internal/upstream/gcash"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// 服务层测试共用的内存假实现。语义对齐 repository 包：
// 状态历史只在状态变化时追加、metadata 合并不整体替换、子状态空串表示不变。

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestConfig() *config.Config {
	return &config.Config{
		GCash: config.GCashConfig{
			BaseURL:          "https://gateway.test",
			IntentTTLMinutes: 30,
		},
		Casino: config.CasinoConfig{
			Currency:          "PHP",
			DefaultTopManager: "topmgr01",
		},
		Business: config.BusinessConfig{
			MinDepositAmount: 10000,
			MaxDepositAmount: 10000000,
		},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{DepositStatus: "deposit-status-events"},
		},
	}
}

// ----------------------------------------------------------------------------
// 交易存储
// ----------------------------------------------------------------------------

type memTxnStore struct {
	mu    sync.Mutex
	txns  map[string]*model.Transaction // key: transactionNo
	users *memUserStore                 // CompleteInbound 的入账目标

	// 故障注入：下一次对应调用返回该错误后自动清除
	completeInboundErr error
	updateStatusErr    error
}

func newMemTxnStore() *memTxnStore {
	return &memTxnStore{txns: make(map[string]*model.Transaction)}
}

func (s *memTxnStore) clone(t *model.Transaction) *model.Transaction {
	cp := *t
	cp.Metadata = model.JSONMap{}.Merge(t.Metadata)
	cp.StatusHistory = append(model.StatusHistory{}, t.StatusHistory...)
	return &cp
}

func (s *memTxnStore) Create(ctx context.Context, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	s.txns[txn.TransactionNo] = s.clone(txn)
	return nil
}

func (s *memTxnStore) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[transactionNo]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	return s.clone(txn), nil
}

func (s *memTxnStore) GetByPaymentReference(ctx context.Context, reference string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.txns {
		if txn.PaymentReference == reference {
			return s.clone(txn), nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (s *memTxnStore) GetByUniqueID(ctx context.Context, uniqueID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.txns {
		if txn.UniqueID == uniqueID {
			return s.clone(txn), nil
		}
	}
	return nil, nil
}

func (s *memTxnStore) UpdateStatus(ctx context.Context, transactionNo, toStatus, note string, metadataPatch map[string]interface{}) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateStatusErr != nil {
		err := s.updateStatusErr
		s.updateStatusErr = nil
		return nil, err
	}
	txn, ok := s.txns[transactionNo]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	if txn.Status != toStatus {
		txn.StatusHistory = append(txn.StatusHistory, model.StatusChange{
			Status:         toStatus,
			PreviousStatus: txn.Status,
			Note:           note,
			Timestamp:      time.Now(),
		})
		txn.Status = toStatus
	}
	if metadataPatch != nil {
		txn.Metadata = txn.Metadata.Merge(metadataPatch)
	}
	txn.UpdatedAt = time.Now()
	return s.clone(txn), nil
}

func (s *memTxnStore) UpdateSubStatus(ctx context.Context, transactionNo, gcashStatus, casinoStatus string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[transactionNo]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	if gcashStatus != "" {
		txn.GcashStatus = gcashStatus
	}
	if casinoStatus != "" {
		txn.CasinoStatus = casinoStatus
	}
	txn.UpdatedAt = time.Now()
	return s.clone(txn), nil
}

func (s *memTxnStore) CompleteInbound(ctx context.Context, transactionNo string, userID, amount int64) (*model.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeInboundErr != nil {
		err := s.completeInboundErr
		s.completeInboundErr = nil
		return nil, false, err
	}
	txn, ok := s.txns[transactionNo]
	if !ok {
		return nil, false, repository.ErrTransactionNotFound
	}
	if txn.GcashStatus == model.GcashStatusCompleted {
		return s.clone(txn), false, nil
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if err := s.users.Credit(ctx, userID, amount); err != nil {
		return nil, false, err
	}

	txn.GcashStatus = model.GcashStatusCompleted
	txn.CasinoStatus = model.CasinoStatusProcessing
	txn.BalanceBefore = user.Balance
	txn.BalanceAfter = user.Balance + amount
	txn.NetAmount = amount - txn.Fee
	txn.UpdatedAt = time.Now()
	return s.clone(txn), true, nil
}

func (s *memTxnStore) UpdateMetadata(ctx context.Context, transactionNo string, patch map[string]interface{}) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[transactionNo]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	txn.Metadata = txn.Metadata.Merge(patch)
	return s.clone(txn), nil
}

func (s *memTxnStore) AddStatusHistoryEntry(ctx context.Context, transactionNo, status, note string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[transactionNo]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	txn.StatusHistory = append(txn.StatusHistory, model.StatusChange{
		Status:         status,
		PreviousStatus: txn.Status,
		Note:           note,
		Timestamp:      time.Now(),
	})
	return s.clone(txn), nil
}

func (s *memTxnStore) RecordFinancials(ctx context.Context, transactionNo string, before, after, fee int64) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[transactionNo]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	txn.BalanceBefore = before
	txn.BalanceAfter = after
	txn.Fee = fee
	txn.NetAmount = after - before - fee
	return s.clone(txn), nil
}

func (s *memTxnStore) SetReferences(ctx context.Context, transactionNo, paymentRef, casinoRef, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[transactionNo]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	if paymentRef != "" {
		txn.PaymentReference = paymentRef
	}
	if casinoRef != "" {
		txn.CasinoReference = casinoRef
	}
	if nonce != "" {
		txn.Nonce = nonce
	}
	return nil
}

func (s *memTxnStore) GetStuckTransactions(ctx context.Context, beforeTime time.Time, limit int) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transaction
	for _, txn := range s.txns {
		if txn.Status == model.StatusPaymentCompleted && txn.UpdatedAt.Before(beforeTime) {
			out = append(out, s.clone(txn))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memTxnStore) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transaction
	for _, txn := range s.txns {
		if txn.UserID == userID {
			out = append(out, s.clone(txn))
		}
	}
	return out, int64(len(out)), nil
}

// ----------------------------------------------------------------------------
// 用户存储
// ----------------------------------------------------------------------------

type memUserStore struct {
	mu    sync.Mutex
	users map[int64]*model.User

	creditCalls int // 入账调用次数（重复入账断言用）
}

func newMemUserStore(users ...*model.User) *memUserStore {
	s := &memUserStore{users: make(map[int64]*model.User)}
	for _, u := range users {
		cp := *u
		s.users[u.ID] = &cp
	}
	return s
}

func (s *memUserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) Credit(ctx context.Context, userID int64, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Balance += delta
	u.Version++
	s.creditCalls++
	return nil
}

func (s *memUserStore) SetCasinoBalance(ctx context.Context, userID int64, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.CasinoBalance = balance
	return nil
}

func (s *memUserStore) SetCasinoUsername(ctx context.Context, userID int64, casinoUsername string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	if u.CasinoUsername == "" {
		u.CasinoUsername = casinoUsername
	}
	return nil
}

func (s *memUserStore) SetTopManager(ctx context.Context, userID int64, topManager string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.TopManager = topManager
	return nil
}

// ----------------------------------------------------------------------------
// 支付意向存储
// ----------------------------------------------------------------------------

type memIntentStore struct {
	mu      sync.Mutex
	intents map[string]*model.PaymentIntent // key: reference
}

func newMemIntentStore() *memIntentStore {
	return &memIntentStore{intents: make(map[string]*model.PaymentIntent)}
}

func (s *memIntentStore) Create(ctx context.Context, intent *model.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *intent
	s.intents[intent.Reference] = &cp
	return nil
}

func (s *memIntentStore) GetByReference(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.intents[reference]
	if !ok {
		return nil, repository.ErrIntentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memIntentStore) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.intents {
		if p.TransactionNo == transactionNo {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrIntentNotFound
}

func (s *memIntentStore) GetActiveByUserID(ctx context.Context, userID int64) (*model.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, p := range s.intents {
		if p.UserID == userID && p.Status == model.IntentStatusPending && p.ExpiresAt.After(now) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memIntentStore) UpdateStatus(ctx context.Context, reference, fromStatus, toStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.intents[reference]
	if !ok {
		return repository.ErrIntentNotFound
	}
	if p.Status != fromStatus {
		return repository.ErrIntentStatusInvalid
	}
	p.Status = toStatus
	if toStatus == model.IntentStatusCompleted {
		now := time.Now()
		p.CompletedAt = &now
	}
	return nil
}

// ----------------------------------------------------------------------------
// 其余协作方
// ----------------------------------------------------------------------------

type memHolderStore struct {
	holders []*model.TopManager
}

func (s *memHolderStore) ListEnabled(ctx context.Context) ([]*model.TopManager, error) {
	return s.holders, nil
}

type memOutbox struct {
	mu   sync.Mutex
	msgs []*model.OutboxMessage
}

func (s *memOutbox) Create(ctx context.Context, msg *model.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memOutbox) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// fakeGateway 可编程的网关假实现
type fakeGateway struct {
	generateFunc func(ctx context.Context, amount int64, reference string) (*gcash.PaymentOrder, error)
	checkFunc    func(ctx context.Context, reference string) (*gcash.PaymentStatus, error)

	mu         sync.Mutex
	checkCalls int
}

func (g *fakeGateway) GeneratePayment(ctx context.Context, amount int64, reference string) (*gcash.PaymentOrder, error) {
	if g.generateFunc != nil {
		return g.generateFunc(ctx, amount, reference)
	}
	return &gcash.PaymentOrder{
		Reference: "REF-" + reference,
		PayURL:    "https://pay.test/" + reference,
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}, nil
}

func (g *fakeGateway) CheckStatus(ctx context.Context, reference string) (*gcash.PaymentStatus, error) {
	g.mu.Lock()
	g.checkCalls++
	g.mu.Unlock()
	if g.checkFunc != nil {
		return g.checkFunc(ctx, reference)
	}
	return &gcash.PaymentStatus{Status: "PENDING"}, nil
}

// fakeLedger 可编程的账本假实现，按总代记录转账调用
type fakeLedger struct {
	mu        sync.Mutex
	transfers []*casino.TransferRequest
	// failHolders 里的总代（按 token 前缀匹配）转账必定失败
	failHolders map[string]bool
	newBalance  int64
}

func (l *fakeLedger) TransferFunds(ctx context.Context, req *casino.TransferRequest) (*casino.TransferResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfers = append(l.transfers, req)
	for holder := range l.failHolders {
		if req.Token == "token-"+holder {
			return nil, &casino.RejectionError{Code: 1001, Message: "资金池余额不足"}
		}
	}
	return &casino.TransferResult{
		TransferID: fmt.Sprintf("CAS-%d", len(l.transfers)),
		NewBalance: l.newBalance,
	}, nil
}

func (l *fakeLedger) GetUserHierarchy(ctx context.Context, token, username string) (*casino.Hierarchy, error) {
	return &casino.Hierarchy{TopManagerUsername: "topmgr01"}, nil
}

func (l *fakeLedger) GetBalance(ctx context.Context, token string) (int64, error) {
	return 99999, nil
}

func (l *fakeLedger) transferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transfers)
}

// fakeTokens 固定返回 "token-<holder>"，failHolders 里的总代返回错误
type fakeTokens struct {
	failHolders map[string]bool
}

func (t *fakeTokens) GetToken(ctx context.Context, holder string) (string, error) {
	if t.failHolders[holder] {
		return "", fmt.Errorf("总代登录失败: holder=%s", holder)
	}
	return "token-" + holder, nil
}

func (t *fakeTokens) Invalidate(ctx context.Context, holder string) {}
