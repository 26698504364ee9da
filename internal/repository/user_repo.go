package repository

import (
	"context"
	"errors"

	"gcashpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("用户不存在")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByCasinoClientID(ctx context.Context, clientID string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("casino_client_id = ?", clientID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByTopManager(ctx context.Context, topManager string) ([]*model.User, error) {
	var users []*model.User
	err := r.db.WithContext(ctx).Where("top_manager = ?", topManager).Find(&users).Error
	return users, err
}

// Credit 站内钱包入账（delta 为正），带版本号递增
func (r *UserRepository) Credit(ctx context.Context, userID int64, delta int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", delta),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetCasinoBalance 记录最近一次上分后的账本余额快照
func (r *UserRepository) SetCasinoBalance(ctx context.Context, userID int64, balance int64) error {
	return r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Update("casino_balance", balance).Error
}

// SetCasinoUsername 回填娱乐场账号（兜底命中后的机会性修复，
// 之后的上分不再需要兜底）
func (r *UserRepository) SetCasinoUsername(ctx context.Context, userID int64, casinoUsername string) error {
	return r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND (casino_username IS NULL OR casino_username = '')", userID).
		Update("casino_username", casinoUsername).Error
}

// SetTopManager 绑定用户的总代账号
func (r *UserRepository) SetTopManager(ctx context.Context, userID int64, topManager string) error {
	return r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Update("top_manager", topManager).Error
}
