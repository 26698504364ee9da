package model

import (
	"time"
)

// TopManager 总代账号表
//
// 白名单内的总代才允许发起上分转账。CachedToken/TokenExpiry 是登录令牌的
// 持久化副本，进程重启后仍在有效期内的令牌可以直接复用，避免重复登录。
type TopManager struct {
	ID       int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Username string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Password string `gorm:"type:varchar(128);not null" json:"-"`
	Priority int    `gorm:"not null;default:0" json:"priority"` // 数字越小优先级越高
	Enabled  bool   `gorm:"not null;default:true" json:"enabled"`

	CachedToken string     `gorm:"type:varchar(512)" json:"-"`
	TokenExpiry *time.Time `json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TopManager) TableName() string {
	return "top_manager"
}
