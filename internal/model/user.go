package model

import (
	"time"
)

// User 用户表
//
// CasinoUsername 是娱乐场侧的专用账号，可能为空；为空时上分使用
// Username 兜底（见转账编排器）。TopManager 是用户绑定的总代账号。
type User struct {
	ID             int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Username       string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	CasinoUsername string `gorm:"type:varchar(64);index" json:"casino_username"`
	CasinoClientID string `gorm:"type:varchar(64);index" json:"casino_client_id"`
	TopManager     string `gorm:"type:varchar(64);index" json:"top_manager"`

	Balance       int64 `gorm:"not null;default:0" json:"balance"`        // 站内钱包余额（分）
	CasinoBalance int64 `gorm:"not null;default:0" json:"casino_balance"` // 最近一次上分后的账本余额快照
	Version       int   `gorm:"not null;default:0" json:"version"`        // 乐观锁版本号

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "user"
}
