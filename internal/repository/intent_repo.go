package repository

import (
	"context"
	"errors"
	"time"

	"gcashpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrIntentNotFound      = errors.New("支付意向不存在")
	ErrIntentStatusInvalid = errors.New("支付意向状态不合法")
)

type IntentRepository struct {
	db *gorm.DB
}

func NewIntentRepository(db *gorm.DB) *IntentRepository {
	return &IntentRepository{db: db}
}

func (r *IntentRepository) Create(ctx context.Context, intent *model.PaymentIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *IntentRepository) GetByReference(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	var intent model.PaymentIntent
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

func (r *IntentRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.PaymentIntent, error) {
	var intent model.PaymentIntent
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// GetActiveByUserID 查询用户当前活跃（pending 且未过期）的意向，
// 不存在返回 nil（不报错）
func (r *IntentRepository) GetActiveByUserID(ctx context.Context, userID int64) (*model.PaymentIntent, error) {
	var intent model.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND expires_at > ?",
			userID, model.IntentStatusPending, time.Now()).
		First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

// UpdateStatus 状态 CAS 更新，fromStatus 不匹配时不生效
func (r *IntentRepository) UpdateStatus(ctx context.Context, reference, fromStatus, toStatus string) error {
	updates := map[string]interface{}{
		"status": toStatus,
	}
	if toStatus == model.IntentStatusCompleted {
		now := time.Now()
		updates["completed_at"] = &now
	}

	result := r.db.WithContext(ctx).
		Model(&model.PaymentIntent{}).
		Where("reference = ? AND status = ?", reference, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIntentStatusInvalid
	}
	return nil
}

// GetExpiredIntents 查询已过有效期但仍 pending 的意向，供过期任务批量关闭
func (r *IntentRepository) GetExpiredIntents(ctx context.Context, limit int) ([]*model.PaymentIntent, error) {
	var intents []*model.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", model.IntentStatusPending, time.Now()).
		Limit(limit).
		Find(&intents).Error
	return intents, err
}
