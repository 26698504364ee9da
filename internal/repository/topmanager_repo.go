package repository

import (
	"context"
	"errors"
	"time"

	"gcashpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTopManagerNotFound = errors.New("总代账号不在白名单内")
)

type TopManagerRepository struct {
	db *gorm.DB
}

func NewTopManagerRepository(db *gorm.DB) *TopManagerRepository {
	return &TopManagerRepository{db: db}
}

// GetByUsername 白名单查询，未启用视同不存在
func (r *TopManagerRepository) GetByUsername(ctx context.Context, username string) (*model.TopManager, error) {
	var tm model.TopManager
	err := r.db.WithContext(ctx).
		Where("username = ? AND enabled = ?", username, true).
		First(&tm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTopManagerNotFound
		}
		return nil, err
	}
	return &tm, nil
}

// ListEnabled 按优先级返回全部启用的总代
func (r *TopManagerRepository) ListEnabled(ctx context.Context) ([]*model.TopManager, error) {
	var tms []*model.TopManager
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority ASC").
		Find(&tms).Error
	return tms, err
}

// SaveToken 持久化登录令牌，进程重启后可复用
func (r *TopManagerRepository) SaveToken(ctx context.Context, username, token string, expiry time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.TopManager{}).
		Where("username = ?", username).
		Updates(map[string]interface{}{
			"cached_token": token,
			"token_expiry": &expiry,
		}).Error
}

// ClearToken 登录失败或令牌失效时清除持久化副本
func (r *TopManagerRepository) ClearToken(ctx context.Context, username string) error {
	return r.db.WithContext(ctx).
		Model(&model.TopManager{}).
		Where("username = ?", username).
		Updates(map[string]interface{}{
			"cached_token": "",
			"token_expiry": nil,
		}).Error
}

// Upsert 启动时按配置同步白名单（只建不删，下线用 enabled 控制）
func (r *TopManagerRepository) Upsert(ctx context.Context, tm *model.TopManager) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"password", "priority", "enabled"}),
		}).
		Create(tm).Error
}
