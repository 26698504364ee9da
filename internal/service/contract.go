package service

import (
	"context"
	"time"

	"gcashpay/internal/model"
	"gcashpay/internal/upstream/casino"
	"gcashpay/internal/upstream/gcash"
)

// 存储协作方契约。repository 包提供实现，测试里用内存假实现。

type TransactionStore interface {
	Create(ctx context.Context, txn *model.Transaction) error
	GetByTransactionNo(ctx context.Context, transactionNo string) (*model.Transaction, error)
	GetByPaymentReference(ctx context.Context, reference string) (*model.Transaction, error)
	GetByUniqueID(ctx context.Context, uniqueID string) (*model.Transaction, error)
	UpdateStatus(ctx context.Context, transactionNo, toStatus, note string, metadataPatch map[string]interface{}) (*model.Transaction, error)
	UpdateSubStatus(ctx context.Context, transactionNo, gcashStatus, casinoStatus string) (*model.Transaction, error)
	CompleteInbound(ctx context.Context, transactionNo string, userID, amount int64) (*model.Transaction, bool, error)
	UpdateMetadata(ctx context.Context, transactionNo string, patch map[string]interface{}) (*model.Transaction, error)
	AddStatusHistoryEntry(ctx context.Context, transactionNo, status, note string) (*model.Transaction, error)
	RecordFinancials(ctx context.Context, transactionNo string, before, after, fee int64) (*model.Transaction, error)
	SetReferences(ctx context.Context, transactionNo, paymentRef, casinoRef, nonce string) error
	GetStuckTransactions(ctx context.Context, beforeTime time.Time, limit int) ([]*model.Transaction, error)
	ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	Credit(ctx context.Context, userID int64, delta int64) error
	SetCasinoBalance(ctx context.Context, userID int64, balance int64) error
	SetCasinoUsername(ctx context.Context, userID int64, casinoUsername string) error
	SetTopManager(ctx context.Context, userID int64, topManager string) error
}

type IntentStore interface {
	Create(ctx context.Context, intent *model.PaymentIntent) error
	GetByReference(ctx context.Context, reference string) (*model.PaymentIntent, error)
	GetByTransactionNo(ctx context.Context, transactionNo string) (*model.PaymentIntent, error)
	GetActiveByUserID(ctx context.Context, userID int64) (*model.PaymentIntent, error)
	UpdateStatus(ctx context.Context, reference, fromStatus, toStatus string) error
}

type HolderStore interface {
	ListEnabled(ctx context.Context) ([]*model.TopManager, error)
}

type OutboxStore interface {
	Create(ctx context.Context, msg *model.OutboxMessage) error
}

// 上游协作方契约

type GatewayClient interface {
	GeneratePayment(ctx context.Context, amount int64, reference string) (*gcash.PaymentOrder, error)
	CheckStatus(ctx context.Context, reference string) (*gcash.PaymentStatus, error)
}

type LedgerClient interface {
	TransferFunds(ctx context.Context, req *casino.TransferRequest) (*casino.TransferResult, error)
	GetUserHierarchy(ctx context.Context, token, username string) (*casino.Hierarchy, error)
	GetBalance(ctx context.Context, token string) (int64, error)
}

type TokenSource interface {
	GetToken(ctx context.Context, holder string) (string, error)
	Invalidate(ctx context.Context, holder string)
}
