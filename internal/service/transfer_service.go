package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gcashpay/internal/config"
	"gcashpay/internal/infrastructure/lock"
	"gcashpay/internal/model"
	"gcashpay/internal/repository"
	"gcashpay/internal/upstream/casino"
	"gcashpay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 转账编排器
// ============================================================================
//
// 职责：把入金收到的资金从总代资金池上分到用户的账本账户。
//
// 【关键点】
// 1. 目标账号解析：优先用户的娱乐场专用账号，缺失时兜底用通用账号，
//    兜底命中会在 metadata 留痕并机会性回填用户记录
// 2. 总代顺序：用户绑定的总代优先，其次按白名单优先级逐个兜底
// 3. 每次尝试都生成新的 nonce 和备注（上游幂等/审计用）
// 4. 尝试严格串行 —— 并行尝试可能出现两次"成功"导致重复上分
// 5. 全部失败时返回聚合错误，绝不伪造成功
//
// ============================================================================

// TransferAttempt 单次上分尝试的审计记录
type TransferAttempt struct {
	Holder               string    `json:"holder"`
	Nonce                string    `json:"nonce"`
	Success              bool      `json:"success"`
	Error                string    `json:"error,omitempty"`
	UsedUsernameFallback bool      `json:"used_username_fallback"`
	At                   time.Time `json:"at"`
}

// TransferOutcome 编排成功的结果
type TransferOutcome struct {
	TransferID           string
	NewBalance           int64
	Holder               string
	Nonce                string
	UsedUsernameFallback bool
	Attempts             []TransferAttempt
}

type TransferService struct {
	users       UserStore
	txns        TransactionStore
	holders     HolderStore
	outbox      OutboxStore
	tokens      TokenSource
	casino      LedgerClient
	redisClient *redis.Client
	cfg         *config.Config
}

func NewTransferService(
	users UserStore,
	txns TransactionStore,
	holders HolderStore,
	outbox OutboxStore,
	tokens TokenSource,
	ledger LedgerClient,
	redisClient *redis.Client,
	cfg *config.Config,
) *TransferService {
	return &TransferService{
		users:       users,
		txns:        txns,
		holders:     holders,
		outbox:      outbox,
		tokens:      tokens,
		casino:      ledger,
		redisClient: redisClient,
		cfg:         cfg,
	}
}

// Execute 执行一次上分编排
//
// 保证每次调用最多记录一次成功转账；调用方负责不对同一个状态迁移
// 重复调用（见回调处理的幂等闸门），编排器本身不按引用去重。
func (s *TransferService) Execute(ctx context.Context, user *model.User, amount int64, reference string) (*TransferOutcome, error) {
	// 1. 目标账号解析
	target := user.CasinoUsername
	usedFallback := false
	if target == "" {
		target = user.Username
		usedFallback = true
	}
	if target == "" {
		return nil, &NoCredentialError{UserID: user.ID}
	}

	// 2. 总代顺序：绑定总代（或默认总代）优先，其余按优先级兜底
	enabled, err := s.holders.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询总代白名单失败: %w", err)
	}
	primary := user.TopManager
	if primary == "" {
		primary = s.cfg.Casino.DefaultTopManager
	}
	ordered := orderHolders(enabled, primary)

	var attempts []TransferAttempt
	for _, holder := range ordered {
		// 3. 每次尝试都生成新 nonce，备注嵌入外部引用便于上游对账
		nonce := idgen.GenerateNonce()
		comment := fmt.Sprintf("DEP:%s:%s", reference, nonce)

		attempt := TransferAttempt{
			Holder:               holder,
			Nonce:                nonce,
			UsedUsernameFallback: usedFallback,
			At:                   time.Now(),
		}

		token, err := s.tokens.GetToken(ctx, holder)
		if err != nil {
			attempt.Error = err.Error()
			attempts = append(attempts, attempt)
			log.Printf("[Transfer] 获取令牌失败: holder=%s, reference=%s, err=%v", holder, reference, err)
			continue
		}

		result, err := s.casino.TransferFunds(ctx, &casino.TransferRequest{
			Token:          token,
			Amount:         amount,
			TargetClientID: user.CasinoClientID,
			TargetUsername: target,
			Comment:        comment,
		})
		if err != nil {
			attempt.Error = err.Error()
			attempts = append(attempts, attempt)
			log.Printf("[Transfer] 上分失败，换下一个总代: holder=%s, reference=%s, err=%v", holder, reference, err)
			continue
		}

		attempt.Success = true
		attempts = append(attempts, attempt)

		// 兜底命中：机会性回填专用账号，之后的上分不再走兜底
		if usedFallback {
			if err := s.users.SetCasinoUsername(ctx, user.ID, target); err != nil {
				log.Printf("[Transfer] 回填娱乐场账号失败: userID=%d, err=%v", user.ID, err)
			}
		}

		return &TransferOutcome{
			TransferID:           result.TransferID,
			NewBalance:           result.NewBalance,
			Holder:               holder,
			Nonce:                nonce,
			UsedUsernameFallback: usedFallback,
			Attempts:             attempts,
		}, nil
	}

	return nil, &AllHoldersExhaustedError{Attempts: attempts}
}

// orderHolders primary 排最前，其余保持白名单优先级顺序
func orderHolders(holders []*model.TopManager, primary string) []string {
	ordered := make([]string, 0, len(holders))
	for _, h := range holders {
		if h.Username == primary {
			ordered = append([]string{h.Username}, ordered...)
			continue
		}
		ordered = append(ordered, h.Username)
	}
	return ordered
}

// CompleteOutbound 执行出金腿并把结果写回交易
//
// 入金腿必须已完成。编排失败不是存储错误：交易停在 payment_completed，
// 错误返回给调用方记日志，补单任务稍后重试。
func (s *TransferService) CompleteOutbound(ctx context.Context, txn *model.Transaction) error {
	user, err := s.users.GetByID(ctx, txn.UserID)
	if err != nil {
		return fmt.Errorf("查询用户失败: %w", err)
	}

	outcome, execErr := s.Execute(ctx, user, txn.Amount, txn.TransactionNo)
	if execErr != nil {
		casinoStatus := model.CasinoStatusFailed
		patch := map[string]interface{}{}

		var noCred *NoCredentialError
		var exhausted *AllHoldersExhaustedError
		switch {
		case errors.As(execErr, &noCred):
			casinoStatus = model.CasinoStatusNoCredential
		case errors.As(execErr, &exhausted):
			patch["transfer_attempts"] = exhausted.Attempts
		}

		if _, err := s.txns.UpdateSubStatus(ctx, txn.TransactionNo, "", casinoStatus); err != nil {
			return err
		}
		canonical := model.Reconcile(model.GcashStatusCompleted, casinoStatus)
		updated, err := s.txns.UpdateStatus(ctx, txn.TransactionNo, canonical, "上分失败，等待补单重试", patch)
		if err != nil {
			return err
		}
		emitStatusEvent(ctx, s.outbox, s.cfg.Kafka.Topic.DepositStatus, updated)
		refreshTimeline(ctx, s.txns, updated)
		return execErr
	}

	if err := s.txns.SetReferences(ctx, txn.TransactionNo, "", outcome.TransferID, outcome.Nonce); err != nil {
		log.Printf("[Transfer] 记录账本引用失败: transactionNo=%s, err=%v", txn.TransactionNo, err)
	}
	if err := s.users.SetCasinoBalance(ctx, user.ID, outcome.NewBalance); err != nil {
		log.Printf("[Transfer] 更新账本余额快照失败: userID=%d, err=%v", user.ID, err)
	}

	if _, err := s.txns.UpdateSubStatus(ctx, txn.TransactionNo, "", model.CasinoStatusCompleted); err != nil {
		return err
	}
	patch := map[string]interface{}{
		"transfer_attempts":      outcome.Attempts,
		"used_username_fallback": outcome.UsedUsernameFallback,
		"transfer_holder":        outcome.Holder,
	}
	canonical := model.Reconcile(model.GcashStatusCompleted, model.CasinoStatusCompleted)
	updated, err := s.txns.UpdateStatus(ctx, txn.TransactionNo, canonical,
		fmt.Sprintf("上分成功: holder=%s, transferId=%s", outcome.Holder, outcome.TransferID), patch)
	if err != nil {
		return err
	}
	emitStatusEvent(ctx, s.outbox, s.cfg.Kafka.Topic.DepositStatus, updated)
	refreshTimeline(ctx, s.txns, updated)

	log.Printf("[Transfer] 上分成功: transactionNo=%s, holder=%s, transferId=%s",
		txn.TransactionNo, outcome.Holder, outcome.TransferID)
	return nil
}

// RetryTransfer 补单入口：重试停在 payment_completed 的交易
//
// 加交易锁后重新读取并校验状态，避免和回调处理竞争同一笔交易。
func (s *TransferService) RetryTransfer(ctx context.Context, transactionNo string) error {
	txnLock := lock.NewTransactionLock(s.redisClient, transactionNo, uuid.NewString())
	if err := txnLock.Lock(ctx, 100*time.Millisecond, 10); err != nil {
		return fmt.Errorf("获取交易锁失败: %w", err)
	}
	defer txnLock.Unlock(ctx)

	txn, err := s.txns.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return err
		}
		return fmt.Errorf("查询交易失败: %w", err)
	}

	// 锁内重新校验：可能已被回调推进到终态
	if txn.Status != model.StatusPaymentCompleted || txn.GcashStatus != model.GcashStatusCompleted {
		return nil
	}

	return s.CompleteOutbound(ctx, txn)
}

// PoolBalance 查询总代资金池余额（管理接口用）
func (s *TransferService) PoolBalance(ctx context.Context, holder string) (int64, error) {
	token, err := s.tokens.GetToken(ctx, holder)
	if err != nil {
		return 0, err
	}
	return s.casino.GetBalance(ctx, token)
}
