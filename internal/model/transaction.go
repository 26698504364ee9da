package model

import (
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypeDeposit  = "DEPOSIT"  // 充值（GCash 入金 + 娱乐场上分）
	TransactionTypeWithdraw = "WITHDRAW" // 提现
	TransactionTypeTransfer = "TRANSFER" // 上分转账
	TransactionTypeExchange = "EXCHANGE" // 兑换
)

const (
	MethodGCash = "gcash"
)

// ============================================================================
// 交易实体
// ============================================================================

// Transaction 交易表
//
// 【重要】设计原则：
// 1. 只追加，不删除 —— 终态订单永久保留，保证审计可追溯
// 2. 规范状态 status 只由状态机推导，gcash_status / casino_status 是两条腿的
//    独立子状态，放在结构化列里而不是埋在 metadata 里
// 3. 记录交易前后余额 —— 便于对账校验
type Transaction struct {
	ID            int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 交易号（全局唯一）
	UniqueID      string `gorm:"type:varchar(64);uniqueIndex;not null" json:"unique_id"`      // 幂等键，客户端生成
	UserID        int64  `gorm:"index;not null" json:"user_id"`
	Amount        int64  `gorm:"not null" json:"amount"` // 金额（分）
	Currency      string `gorm:"type:varchar(8);not null" json:"currency"`
	Type          string `gorm:"type:varchar(20);not null" json:"type"`
	Method        string `gorm:"type:varchar(20);not null" json:"method"`

	Status       string `gorm:"type:varchar(20);index;not null" json:"status"`  // 规范状态（推导）
	GcashStatus  string `gorm:"type:varchar(20);not null" json:"gcash_status"`  // 入金腿
	CasinoStatus string `gorm:"type:varchar(20);not null" json:"casino_status"` // 出金腿

	PaymentReference string `gorm:"type:varchar(64);index" json:"payment_reference"` // 网关下发
	CasinoReference  string `gorm:"type:varchar(64)" json:"casino_reference"`        // 账本下发
	Nonce            string `gorm:"type:varchar(64)" json:"nonce"`                   // 每次上分尝试的唯一标记

	BalanceBefore int64 `gorm:"not null;default:0" json:"balance_before"`
	BalanceAfter  int64 `gorm:"not null;default:0" json:"balance_after"`
	Fee           int64 `gorm:"not null;default:0" json:"fee"`
	NetAmount     int64 `gorm:"not null;default:0" json:"net_amount"`

	Metadata      JSONMap       `gorm:"type:json" json:"metadata"`
	StatusHistory StatusHistory `gorm:"type:json" json:"status_history"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transaction"
}
