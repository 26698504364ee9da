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
	ErrTransactionNotFound = errors.New("交易不存在")
	ErrStatusUnchanged     = errors.New("状态未变更")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (r *TransactionRepository) GetByPaymentReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).Where("payment_reference = ?", reference).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// GetByUniqueID 按幂等键查询，不存在返回 nil（不报错）
func (r *TransactionRepository) GetByUniqueID(ctx context.Context, uniqueID string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).Where("unique_id = ?", uniqueID).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// forUpdate 行锁读取，所有读-改-写都必须走这里
func (r *TransactionRepository) forUpdate(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.Transaction, error) {
	var txn model.Transaction
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_no = ?", transactionNo).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// UpdateStatus 更新规范状态并追加状态历史
//
// 【关键点】整个读-改-写在行锁内完成：
// 回调处理器和补单任务可能同时推进同一笔交易，行锁保证历史只追加、
// metadata 只合并，不会互相覆盖。目标状态等于当前状态时不做任何变更。
func (r *TransactionRepository) UpdateStatus(ctx context.Context, transactionNo, toStatus, note string, metadataPatch map[string]interface{}) (*model.Transaction, error) {
	var result *model.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := r.forUpdate(ctx, tx, transactionNo)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if txn.Status != toStatus {
			txn.StatusHistory = append(txn.StatusHistory, model.StatusChange{
				Status:         toStatus,
				PreviousStatus: txn.Status,
				Note:           note,
				Timestamp:      time.Now(),
			})
			txn.Status = toStatus
			updates["status"] = txn.Status
			updates["status_history"] = txn.StatusHistory
		}
		if metadataPatch != nil {
			txn.Metadata = txn.Metadata.Merge(metadataPatch)
			updates["metadata"] = txn.Metadata
		}
		if len(updates) == 0 {
			result = txn
			return nil
		}

		if err := tx.Model(&model.Transaction{}).
			Where("transaction_no = ?", transactionNo).
			Updates(updates).Error; err != nil {
			return err
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateSubStatus 更新两条腿的子状态，空串表示该腿不变
func (r *TransactionRepository) UpdateSubStatus(ctx context.Context, transactionNo, gcashStatus, casinoStatus string) (*model.Transaction, error) {
	var result *model.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := r.forUpdate(ctx, tx, transactionNo)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if gcashStatus != "" && gcashStatus != txn.GcashStatus {
			txn.GcashStatus = gcashStatus
			updates["gcash_status"] = gcashStatus
		}
		if casinoStatus != "" && casinoStatus != txn.CasinoStatus {
			txn.CasinoStatus = casinoStatus
			updates["casino_status"] = casinoStatus
		}
		if len(updates) == 0 {
			result = txn
			return nil
		}

		if err := tx.Model(&model.Transaction{}).
			Where("transaction_no = ?", transactionNo).
			Updates(updates).Error; err != nil {
			return err
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteInbound 入金腿落点：入账 + 子状态推进 + 资金审计，单事务提交
//
// 【关键点】入账和 gcash_status=completed 必须同生共死：
// 分开写的话，入账成功、状态写失败会留下一笔"已收钱但看不出收过钱"
// 的交易，下一次回调重投就会重复入账。放进同一个事务后，
// 存储错误整体回滚，交易保持原状，重投可以安全重来。
//
// 幂等：入金腿已是 completed 时不做任何变更，credited 返回 false。
// 余额的读和写都在用户行锁内，审计的 before/after 来自同一原子步骤。
func (r *TransactionRepository) CompleteInbound(ctx context.Context, transactionNo string, userID, amount int64) (*model.Transaction, bool, error) {
	var result *model.Transaction
	credited := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := r.forUpdate(ctx, tx, transactionNo)
		if err != nil {
			return err
		}
		if txn.GcashStatus == model.GcashStatusCompleted {
			result = txn
			return nil
		}

		var user model.User
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", userID).
			First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		if err := tx.Model(&model.User{}).
			Where("id = ?", userID).
			Updates(map[string]interface{}{
				"balance": gorm.Expr("balance + ?", amount),
				"version": gorm.Expr("version + 1"),
			}).Error; err != nil {
			return err
		}

		txn.GcashStatus = model.GcashStatusCompleted
		txn.CasinoStatus = model.CasinoStatusProcessing
		txn.BalanceBefore = user.Balance
		txn.BalanceAfter = user.Balance + amount
		txn.NetAmount = amount - txn.Fee
		if err := tx.Model(&model.Transaction{}).
			Where("transaction_no = ?", transactionNo).
			Updates(map[string]interface{}{
				"gcash_status":   txn.GcashStatus,
				"casino_status":  txn.CasinoStatus,
				"balance_before": txn.BalanceBefore,
				"balance_after":  txn.BalanceAfter,
				"net_amount":     txn.NetAmount,
			}).Error; err != nil {
			return err
		}

		result = txn
		credited = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, credited, nil
}

// UpdateMetadata 合并 metadata 补丁（只合并，绝不整体替换）
func (r *TransactionRepository) UpdateMetadata(ctx context.Context, transactionNo string, patch map[string]interface{}) (*model.Transaction, error) {
	var result *model.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := r.forUpdate(ctx, tx, transactionNo)
		if err != nil {
			return err
		}
		txn.Metadata = txn.Metadata.Merge(patch)
		if err := tx.Model(&model.Transaction{}).
			Where("transaction_no = ?", transactionNo).
			Update("metadata", txn.Metadata).Error; err != nil {
			return err
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddStatusHistoryEntry 不变更状态、只追加一条历史（用于审计备注）
func (r *TransactionRepository) AddStatusHistoryEntry(ctx context.Context, transactionNo, status, note string) (*model.Transaction, error) {
	var result *model.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := r.forUpdate(ctx, tx, transactionNo)
		if err != nil {
			return err
		}
		txn.StatusHistory = append(txn.StatusHistory, model.StatusChange{
			Status:         status,
			PreviousStatus: txn.Status,
			Note:           note,
			Timestamp:      time.Now(),
		})
		if err := tx.Model(&model.Transaction{}).
			Where("transaction_no = ?", transactionNo).
			Update("status_history", txn.StatusHistory).Error; err != nil {
			return err
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordFinancials 记录资金审计字段，与状态更新相互独立，
// 上游事件乱序到达时两条审计线可以各自推进。
func (r *TransactionRepository) RecordFinancials(ctx context.Context, transactionNo string, before, after, fee int64) (*model.Transaction, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("transaction_no = ?", transactionNo).
		Updates(map[string]interface{}{
			"balance_before": before,
			"balance_after":  after,
			"fee":            fee,
			"net_amount":     after - before - fee,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrTransactionNotFound
	}
	return r.GetByTransactionNo(ctx, transactionNo)
}

// SetReferences 记录上游引用（网关引用 / 账本引用 / nonce），空串跳过
func (r *TransactionRepository) SetReferences(ctx context.Context, transactionNo, paymentRef, casinoRef, nonce string) error {
	updates := map[string]interface{}{}
	if paymentRef != "" {
		updates["payment_reference"] = paymentRef
	}
	if casinoRef != "" {
		updates["casino_reference"] = casinoRef
	}
	if nonce != "" {
		updates["nonce"] = nonce
	}
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("transaction_no = ?", transactionNo).
		Updates(updates).Error
}

// GetStuckTransactions 查询停在 payment_completed 的交易，供补单任务重试上分
func (r *TransactionRepository) GetStuckTransactions(ctx context.Context, beforeTime time.Time, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusPaymentCompleted, beforeTime).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var txns []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error

	return txns, total, err
}
