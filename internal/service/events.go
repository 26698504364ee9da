package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gcashpay/internal/model"
)

// emitStatusEvent 规范状态变更写发件箱，由发送任务投递到 Kafka
//
// 写失败只记日志：状态事件是旁路通知，不能拖垮主流程。
func emitStatusEvent(ctx context.Context, outbox OutboxStore, topic string, txn *model.Transaction) {
	payload := map[string]interface{}{
		"transaction_no": txn.TransactionNo,
		"user_id":        txn.UserID,
		"amount":         txn.Amount,
		"currency":       txn.Currency,
		"status":         txn.Status,
		"gcash_status":   txn.GcashStatus,
		"casino_status":  txn.CasinoStatus,
		"updated_at":     time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(payload)

	msg := &model.OutboxMessage{
		MessageKey: txn.TransactionNo,
		Topic:      topic,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := outbox.Create(ctx, msg); err != nil {
		log.Printf("[Event] 写入状态事件失败: transactionNo=%s, err=%v", txn.TransactionNo, err)
	}
}

// refreshTimeline 全量重建时间线快照并合并进 metadata
func refreshTimeline(ctx context.Context, txns TransactionStore, txn *model.Transaction) {
	patch := map[string]interface{}{
		"timeline": model.BuildTimeline(txn),
	}
	if _, err := txns.UpdateMetadata(ctx, txn.TransactionNo, patch); err != nil {
		log.Printf("[Event] 更新时间线失败: transactionNo=%s, err=%v", txn.TransactionNo, err)
	}
}
