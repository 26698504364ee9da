package job

import (
	"context"
	"log"
	"time"

	"gcashpay/internal/config"
	"gcashpay/internal/repository"
	"gcashpay/internal/service"
)

// SweepJob 补单任务
//
// 扫描停在 payment_completed 的交易（入金已完成、上分未完成），
// 重新走转账编排器。钱已经收进来了，这条腿只会被重试推进到
// completed，绝不回退，也不会重复入账。
type SweepJob struct {
	txnRepo     *repository.TransactionRepository
	transferSvc *service.TransferService
	cfg         *config.Config
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	minAge      time.Duration // 距上次更新至少间隔该时长才重试
}

func NewSweepJob(txnRepo *repository.TransactionRepository, transferSvc *service.TransferService, cfg *config.Config) *SweepJob {
	interval := time.Duration(cfg.Business.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	batchSize := cfg.Business.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &SweepJob{
		txnRepo:     txnRepo,
		transferSvc: transferSvc,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   batchSize,
		minAge:      5 * time.Minute,
	}
}

func (j *SweepJob) Start(ctx context.Context) {
	log.Println("[SweepJob] 补单任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SweepJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[SweepJob] 任务停止")
			return
		case <-ticker.C:
			j.retryStuckTransactions(ctx)
		}
	}
}

func (j *SweepJob) Stop() {
	close(j.stopCh)
}

func (j *SweepJob) retryStuckTransactions(ctx context.Context) {
	beforeTime := time.Now().Add(-j.minAge)
	txns, err := j.txnRepo.GetStuckTransactions(ctx, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[SweepJob] 查询待补单交易失败: %v", err)
		return
	}

	if len(txns) == 0 {
		return
	}

	log.Printf("[SweepJob] 发现 %d 笔待补单交易", len(txns))

	completedCount := 0
	for _, txn := range txns {
		if err := j.transferSvc.RetryTransfer(ctx, txn.TransactionNo); err != nil {
			log.Printf("[SweepJob] 补单未完成: transactionNo=%s, err=%v", txn.TransactionNo, err)
			continue
		}
		completedCount++
	}

	log.Printf("[SweepJob] 本次补单成功 %d 笔", completedCount)
}
