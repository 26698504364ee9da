package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"gcashpay/internal/config"
	"gcashpay/internal/infrastructure/lock"
	"gcashpay/internal/model"
	"gcashpay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type DepositService struct {
	txns        TransactionStore
	users       UserStore
	intents     IntentStore
	outbox      OutboxStore
	gateway     GatewayClient
	casino      LedgerClient
	tokens      TokenSource
	redisClient *redis.Client
	cfg         *config.Config
}

func NewDepositService(
	txns TransactionStore,
	users UserStore,
	intents IntentStore,
	outbox OutboxStore,
	gateway GatewayClient,
	ledger LedgerClient,
	tokens TokenSource,
	redisClient *redis.Client,
	cfg *config.Config,
) *DepositService {
	return &DepositService{
		txns:        txns,
		users:       users,
		intents:     intents,
		outbox:      outbox,
		gateway:     gateway,
		casino:      ledger,
		tokens:      tokens,
		redisClient: redisClient,
		cfg:         cfg,
	}
}

type CreateDepositRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	UserID    int64  `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
}

type CreateDepositResponse struct {
	TransactionNo string    `json:"transaction_no"`
	Reference     string    `json:"reference"`
	PayURL        string    `json:"pay_url,omitempty"`
	QRData        string    `json:"qr_data,omitempty"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	Message       string    `json:"message,omitempty"`
}

// CreateDeposit 创建充值订单并生成支付凭据
//
// 幂等性：相同 request_id 返回已有订单；
// 单活跃意向：同一用户同时只允许一条 pending 且未过期的支付意向。
func (s *DepositService) CreateDeposit(ctx context.Context, req *CreateDepositRequest) (*CreateDepositResponse, error) {
	if req.Amount < s.cfg.Business.MinDepositAmount || req.Amount > s.cfg.Business.MaxDepositAmount {
		return nil, ErrInvalidAmount
	}

	// 幂等校验
	if resp, err := s.existingDeposit(ctx, req.RequestID); err != nil || resp != nil {
		return resp, err
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	// 按用户加锁，防止网络抖动导致的重复下单
	depositLock := lock.NewDepositLock(s.redisClient, req.UserID, req.RequestID)
	if err := depositLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer depositLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	if resp, err := s.existingDeposit(ctx, req.RequestID); err != nil || resp != nil {
		return resp, err
	}

	// 单活跃意向校验
	active, err := s.intents.GetActiveByUserID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("查询支付意向失败: %w", err)
	}
	if active != nil {
		return nil, ErrActiveIntentExist
	}

	transactionNo := idgen.GenerateDepositNo()
	order, err := s.gateway.GeneratePayment(ctx, req.Amount, transactionNo)
	if err != nil {
		return nil, fmt.Errorf("生成支付凭据失败: %w", err)
	}

	expiresAt := order.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(s.cfg.GCash.IntentTTL())
	}

	txn := &model.Transaction{
		TransactionNo:    transactionNo,
		UniqueID:         req.RequestID,
		UserID:           req.UserID,
		Amount:           req.Amount,
		Currency:         s.cfg.Casino.Currency,
		Type:             model.TransactionTypeDeposit,
		Method:           model.MethodGCash,
		Status:           model.StatusPending,
		GcashStatus:      model.GcashStatusPending,
		CasinoStatus:     model.CasinoStatusPending,
		PaymentReference: order.Reference,
		Metadata:         model.JSONMap{},
		StatusHistory: model.StatusHistory{{
			Status:    model.StatusPending,
			Note:      "订单创建",
			Timestamp: time.Now(),
		}},
	}
	if err := s.txns.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("创建交易失败: %w", err)
	}

	intent := &model.PaymentIntent{
		TransactionNo: transactionNo,
		UserID:        req.UserID,
		Reference:     order.Reference,
		PayURL:        order.PayURL,
		QRData:        order.QRData,
		Amount:        req.Amount,
		Status:        model.IntentStatusPending,
		ExpiresAt:     expiresAt,
	}
	if err := s.intents.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("创建支付意向失败: %w", err)
	}

	emitStatusEvent(ctx, s.outbox, s.cfg.Kafka.Topic.DepositStatus, txn)

	// 未绑定总代的用户机会性补齐归属，失败只记日志
	if user.TopManager == "" {
		s.assignTopManager(ctx, user)
	}

	log.Printf("[Deposit] 充值订单创建: transactionNo=%s, userID=%d, amount=%d",
		transactionNo, req.UserID, req.Amount)

	return &CreateDepositResponse{
		TransactionNo: transactionNo,
		Reference:     order.Reference,
		PayURL:        order.PayURL,
		QRData:        order.QRData,
		Amount:        req.Amount,
		Status:        model.StatusPending,
		ExpiresAt:     expiresAt,
	}, nil
}

// existingDeposit 幂等命中时返回已有订单
func (s *DepositService) existingDeposit(ctx context.Context, requestID string) (*CreateDepositResponse, error) {
	txn, err := s.txns.GetByUniqueID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}
	if txn == nil {
		return nil, nil
	}

	resp := &CreateDepositResponse{
		TransactionNo: txn.TransactionNo,
		Reference:     txn.PaymentReference,
		Amount:        txn.Amount,
		Status:        txn.Status,
		Message:       "订单已存在",
	}
	if intent, err := s.intents.GetByTransactionNo(ctx, txn.TransactionNo); err == nil {
		resp.PayURL = intent.PayURL
		resp.QRData = intent.QRData
		resp.ExpiresAt = intent.ExpiresAt
	}
	return resp, nil
}

// assignTopManager 通过账本层级接口查询用户的总代归属并回填
func (s *DepositService) assignTopManager(ctx context.Context, user *model.User) {
	username := user.CasinoUsername
	if username == "" {
		username = user.Username
	}
	if username == "" {
		return
	}

	token, err := s.tokens.GetToken(ctx, s.cfg.Casino.DefaultTopManager)
	if err != nil {
		log.Printf("[Deposit] 获取默认总代令牌失败: err=%v", err)
		return
	}
	hierarchy, err := s.casino.GetUserHierarchy(ctx, token, username)
	if err != nil {
		log.Printf("[Deposit] 查询用户层级失败: username=%s, err=%v", username, err)
		return
	}
	if err := s.users.SetTopManager(ctx, user.ID, hierarchy.TopManagerUsername); err != nil {
		log.Printf("[Deposit] 绑定总代失败: userID=%d, err=%v", user.ID, err)
		return
	}
	log.Printf("[Deposit] 已绑定总代: userID=%d, topManager=%s", user.ID, hierarchy.TopManagerUsername)
}

// Cancel 取消充值订单
//
// 取消是用户/管理员直接发起的终态迁移，只允许在 pending 状态下执行。
func (s *DepositService) Cancel(ctx context.Context, transactionNo, operator string) error {
	txnLock := lock.NewTransactionLock(s.redisClient, transactionNo, uuid.NewString())
	if err := txnLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer txnLock.Unlock(ctx)

	txn, err := s.txns.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return err
	}
	if !model.CanCancel(txn.Status) {
		return ErrCannotCancel
	}

	updated, err := s.txns.UpdateStatus(ctx, transactionNo, model.StatusCancelled,
		fmt.Sprintf("订单取消: operator=%s", operator), nil)
	if err != nil {
		return err
	}

	if intent, err := s.intents.GetByTransactionNo(ctx, transactionNo); err == nil {
		if err := s.intents.UpdateStatus(ctx, intent.Reference,
			model.IntentStatusPending, model.IntentStatusCancelled); err != nil {
			log.Printf("[Deposit] 取消支付意向失败: reference=%s, err=%v", intent.Reference, err)
		}
	}

	emitStatusEvent(ctx, s.outbox, s.cfg.Kafka.Topic.DepositStatus, updated)
	refreshTimeline(ctx, s.txns, updated)
	return nil
}

// GetDetail 查询订单详情（含时间线投影）
func (s *DepositService) GetDetail(ctx context.Context, transactionNo string) (*model.Transaction, []model.TimelineEntry, error) {
	txn, err := s.txns.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return nil, nil, err
	}
	return txn, model.BuildTimeline(txn), nil
}

func (s *DepositService) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	return s.txns.ListByUserID(ctx, userID, page, pageSize)
}
