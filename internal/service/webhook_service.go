package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gcashpay/internal/config"
	"gcashpay/internal/infrastructure/lock"
	"gcashpay/internal/model"
	"gcashpay/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 回调 / 轮询摄入
// ============================================================================
//
// 把网关的推送回调和主动轮询结果转换成状态机迁移，每个迁移恰好发生一次。
//
// 【关键点】
// 1. 上游对字段名没有稳定契约，引用和状态都从别名表里提取，
//    先归一化成内部枚举再进业务逻辑
// 2. 回调无论内部处理成败，一律向上游回成功应答 —— 防止重投风暴；
//    内部错误只记日志
// 3. 幂等闸门：规范状态已是终态时不再做任何变更
//
// ============================================================================

// 引用字段别名表（数据，不散落在条件判断里）
var referenceFieldAliases = []string{
	"reference", "payment_reference", "paymentReference",
	"reference_id", "referenceId", "ref",
	"order_no", "orderNo", "transaction_id", "transactionId", "txid",
}

// 状态字段别名表
var statusFieldAliases = []string{
	"status", "payment_status", "paymentStatus",
	"transaction_status", "transactionStatus", "state", "result",
}

// 网关状态归一化表
var gatewayStatusAliases = map[string]string{
	"success":    model.GcashStatusCompleted,
	"successful": model.GcashStatusCompleted,
	"paid":       model.GcashStatusCompleted,
	"completed":  model.GcashStatusCompleted,
	"complete":   model.GcashStatusCompleted,
	"settled":    model.GcashStatusCompleted,

	"failed":   model.GcashStatusFailed,
	"failure":  model.GcashStatusFailed,
	"fail":     model.GcashStatusFailed,
	"declined": model.GcashStatusFailed,
	"rejected": model.GcashStatusFailed,
	"error":    model.GcashStatusFailed,

	"expired":   model.GcashStatusExpired,
	"timeout":   model.GcashStatusExpired,
	"timed_out": model.GcashStatusExpired,

	"pending":    model.GcashStatusPending,
	"processing": model.GcashStatusPending,
	"created":    model.GcashStatusPending,
	"waiting":    model.GcashStatusPending,
}

// ExtractField 按别名表从回调载荷里取字段，大小写不敏感兜底
func ExtractField(payload map[string]interface{}, aliases []string) string {
	for _, key := range aliases {
		if v, ok := payload[key]; ok {
			if s := toString(v); s != "" {
				return s
			}
		}
	}
	lower := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		lower[strings.ToLower(k)] = v
	}
	for _, key := range aliases {
		if v, ok := lower[strings.ToLower(key)]; ok {
			if s := toString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", s))
	}
	return ""
}

// NormalizeGatewayStatus 网关状态字符串归一化，未知返回空串
func NormalizeGatewayStatus(raw string) string {
	return gatewayStatusAliases[strings.ToLower(strings.TrimSpace(raw))]
}

// WebhookAck 回调应答，恒为成功
type WebhookAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func ack(message string) *WebhookAck {
	return &WebhookAck{Success: true, Message: message}
}

// StatusResult 轮询应答
type StatusResult struct {
	TransactionNo string                `json:"transaction_no"`
	Status        string                `json:"status"`
	GcashStatus   string                `json:"gcash_status"`
	CasinoStatus  string                `json:"casino_status"`
	Amount        int64                 `json:"amount"`
	Timeline      []model.TimelineEntry `json:"timeline"`
}

type WebhookService struct {
	txns        TransactionStore
	intents     IntentStore
	outbox      OutboxStore
	gateway     GatewayClient
	transfer    *TransferService
	redisClient *redis.Client
	cfg         *config.Config
}

func NewWebhookService(
	txns TransactionStore,
	intents IntentStore,
	outbox OutboxStore,
	gateway GatewayClient,
	transfer *TransferService,
	redisClient *redis.Client,
	cfg *config.Config,
) *WebhookService {
	return &WebhookService{
		txns:        txns,
		intents:     intents,
		outbox:      outbox,
		gateway:     gateway,
		transfer:    transfer,
		redisClient: redisClient,
		cfg:         cfg,
	}
}

// ProcessWebhook 处理网关推送回调
//
// 永远返回成功应答：引用不存在、载荷畸形、内部处理失败都只记日志。
// 合法但从未创建过/已清理的引用回错误应答只会招来上游无限重投。
func (s *WebhookService) ProcessWebhook(ctx context.Context, payload map[string]interface{}) *WebhookAck {
	reference := ExtractField(payload, referenceFieldAliases)
	rawStatus := ExtractField(payload, statusFieldAliases)
	status := NormalizeGatewayStatus(rawStatus)

	if reference == "" || status == "" {
		log.Printf("[Webhook] 载荷缺少引用或状态，已忽略: payload=%v", payload)
		return ack("已接收")
	}

	intent, err := s.intents.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, repository.ErrIntentNotFound) {
			log.Printf("[Webhook] 未知引用，已忽略: reference=%s", reference)
		} else {
			log.Printf("[Webhook] 查询支付意向失败: reference=%s, err=%v", reference, err)
		}
		return ack("已接收")
	}

	if err := s.applyGatewayStatus(ctx, intent, status); err != nil {
		log.Printf("[Webhook] 处理回调失败: reference=%s, status=%s, err=%v", reference, status, err)
	}
	return ack("已接收")
}

// applyGatewayStatus 在交易锁内应用一次网关状态迁移（回调和轮询共用）
func (s *WebhookService) applyGatewayStatus(ctx context.Context, intent *model.PaymentIntent, gcashStatus string) error {
	if gcashStatus == model.GcashStatusPending {
		return nil
	}

	txnLock := lock.NewTransactionLock(s.redisClient, intent.TransactionNo, uuid.NewString())
	if err := txnLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("获取交易锁失败: %w", err)
	}
	defer txnLock.Unlock(ctx)

	// 锁内重新读取最新状态
	txn, err := s.txns.GetByTransactionNo(ctx, intent.TransactionNo)
	if err != nil {
		return fmt.Errorf("查询交易失败: %w", err)
	}

	// 幂等闸门：终态不再迁移，重复投递直接吞掉
	if model.IsTerminal(txn.Status) {
		return nil
	}

	switch gcashStatus {
	case model.GcashStatusCompleted:
		return s.applyPaymentCompleted(ctx, txn, intent)
	case model.GcashStatusFailed, model.GcashStatusExpired:
		return s.applyPaymentClosed(ctx, txn, intent, gcashStatus)
	}
	return nil
}

// applyPaymentCompleted 入金完成：入账、推进入金腿、发起上分
func (s *WebhookService) applyPaymentCompleted(ctx context.Context, txn *model.Transaction, intent *model.PaymentIntent) error {
	// 入账、资金审计、入金腿落点在同一个存储事务里提交（见 CompleteInbound）：
	// 存储错误时整体回滚，交易保持原状，重投可以安全重来
	updated, credited, err := s.txns.CompleteInbound(ctx, txn.TransactionNo, txn.UserID, txn.Amount)
	if err != nil {
		return fmt.Errorf("入金入账失败: %w", err)
	}

	if !credited {
		// 入金腿早已落点（重复投递，或上一次推进在落点之后中断），
		// 绝不重复入账；规范状态没跟上的补齐之，出金腿交给补单任务
		if updated.Status == model.StatusPending {
			repaired, err := s.txns.UpdateStatus(ctx, txn.TransactionNo,
				model.Reconcile(model.GcashStatusCompleted, updated.CasinoStatus),
				"入金完成，开始上分", nil)
			if err != nil {
				return err
			}
			emitStatusEvent(ctx, s.outbox, s.cfg.Kafka.Topic.DepositStatus, repaired)
		}
		if intent.Status == model.IntentStatusPending {
			if err := s.intents.UpdateStatus(ctx, intent.Reference,
				model.IntentStatusPending, model.IntentStatusCompleted); err != nil {
				log.Printf("[Webhook] 更新支付意向失败: reference=%s, err=%v", intent.Reference, err)
			}
		}
		return nil
	}

	canonical := model.Reconcile(model.GcashStatusCompleted, model.CasinoStatusProcessing)
	updated, err = s.txns.UpdateStatus(ctx, txn.TransactionNo, canonical, "入金完成，开始上分", nil)
	if err != nil {
		return err
	}

	if err := s.intents.UpdateStatus(ctx, intent.Reference,
		model.IntentStatusPending, model.IntentStatusCompleted); err != nil {
		log.Printf("[Webhook] 更新支付意向失败: reference=%s, err=%v", intent.Reference, err)
	}

	emitStatusEvent(ctx, s.outbox, s.cfg.Kafka.Topic.DepositStatus, updated)

	// 出金腿：失败不回滚入金 —— 交易停在 payment_completed 等补单
	if err := s.transfer.CompleteOutbound(ctx, updated); err != nil {
		log.Printf("[Webhook] 上分未完成，等待补单: transactionNo=%s, err=%v", txn.TransactionNo, err)
	}
	return nil
}

// applyPaymentClosed 入金失败/过期：不入账、不上分
func (s *WebhookService) applyPaymentClosed(ctx context.Context, txn *model.Transaction, intent *model.PaymentIntent, gcashStatus string) error {
	// 钱已收到的交易绝不被迟到的失败/过期信号打回
	if txn.GcashStatus == model.GcashStatusCompleted {
		return nil
	}

	if _, err := s.txns.UpdateSubStatus(ctx, txn.TransactionNo, gcashStatus, ""); err != nil {
		return err
	}

	canonical := model.Reconcile(gcashStatus, txn.CasinoStatus)
	note := "入金失败"
	intentStatus := model.IntentStatusFailed
	if gcashStatus == model.GcashStatusExpired {
		note = "支付超时已过期"
		intentStatus = model.IntentStatusExpired
	}

	updated, err := s.txns.UpdateStatus(ctx, txn.TransactionNo, canonical, note, nil)
	if err != nil {
		return err
	}

	if err := s.intents.UpdateStatus(ctx, intent.Reference,
		model.IntentStatusPending, intentStatus); err != nil {
		log.Printf("[Webhook] 更新支付意向失败: reference=%s, err=%v", intent.Reference, err)
	}

	emitStatusEvent(ctx, s.outbox, s.cfg.Kafka.Topic.DepositStatus, updated)
	refreshTimeline(ctx, s.txns, updated)
	return nil
}

// CheckStatus 轮询入口：客户端查询支付状态（回调可能还没到）
//
// 1. 本地已是终态直接返回，不调上游
// 2. 意向已过有效期且仍 pending，先置为过期再返回，不调上游
// 3. 否则向上游查一次，终态则按回调同样的逻辑迁移后返回
func (s *WebhookService) CheckStatus(ctx context.Context, reference string) (*StatusResult, error) {
	intent, err := s.intents.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	txn, err := s.txns.GetByTransactionNo(ctx, intent.TransactionNo)
	if err != nil {
		return nil, err
	}

	if model.IsTerminal(txn.Status) {
		return statusResult(txn), nil
	}

	if intent.Expired(time.Now()) {
		if err := s.applyGatewayStatus(ctx, intent, model.GcashStatusExpired); err != nil {
			return nil, err
		}
		return s.currentResult(ctx, intent.TransactionNo)
	}

	upstream, err := s.gateway.CheckStatus(ctx, reference)
	if err != nil {
		// 上游暂时查不到就把本地状态返回给用户，轮询下次再来
		log.Printf("[Poll] 查询上游状态失败: reference=%s, err=%v", reference, err)
		return statusResult(txn), nil
	}

	status := NormalizeGatewayStatus(upstream.Status)
	if status != "" && status != model.GcashStatusPending {
		if err := s.applyGatewayStatus(ctx, intent, status); err != nil {
			return nil, err
		}
	}
	return s.currentResult(ctx, intent.TransactionNo)
}

func (s *WebhookService) currentResult(ctx context.Context, transactionNo string) (*StatusResult, error) {
	txn, err := s.txns.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return nil, err
	}
	return statusResult(txn), nil
}

func statusResult(txn *model.Transaction) *StatusResult {
	return &StatusResult{
		TransactionNo: txn.TransactionNo,
		Status:        txn.Status,
		GcashStatus:   txn.GcashStatus,
		CasinoStatus:  txn.CasinoStatus,
		Amount:        txn.Amount,
		Timeline:      model.BuildTimeline(txn),
	}
}

// ExpireIntent 过期任务入口：按引用把仍 pending 的意向置为过期
func (s *WebhookService) ExpireIntent(ctx context.Context, reference string) error {
	intent, err := s.intents.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	if !intent.Expired(time.Now()) {
		return nil
	}
	return s.applyGatewayStatus(ctx, intent, model.GcashStatusExpired)
}
