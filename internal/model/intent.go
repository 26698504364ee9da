package model

import (
	"time"
)

// 支付意向状态（意向自身的终态与订单规范状态无关）
const (
	IntentStatusPending   = "pending"
	IntentStatusCompleted = "completed"
	IntentStatusFailed    = "failed"
	IntentStatusExpired   = "expired"
	IntentStatusCancelled = "cancelled"
)

// PaymentIntent 支付意向表
//
// 与交易 1:1，承载网关下发的支付引用和固定有效期。
// 每个用户同一时间只允许一条活跃（pending 且未过期）的意向。
type PaymentIntent struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID        int64      `gorm:"index;not null" json:"user_id"`
	Reference     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"` // 网关引用
	PayURL        string     `gorm:"type:varchar(512)" json:"pay_url"`
	QRData        string     `gorm:"type:text" json:"qr_data"`
	Amount        int64      `gorm:"not null" json:"amount"`
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ExpiresAt     time.Time  `gorm:"not null" json:"expires_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentIntent) TableName() string {
	return "payment_intent"
}

// Expired 是否已过有效期（惰性判断，轮询/回调时评估）
func (p *PaymentIntent) Expired(now time.Time) bool {
	return p.Status == IntentStatusPending && now.After(p.ExpiresAt)
}
