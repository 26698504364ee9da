package job

import (
	"context"
	"log"
	"time"

	"gcashpay/internal/repository"
	"gcashpay/internal/service"
)

// IntentExpiryJob 支付意向过期任务
//
// 过期在轮询/回调时也会惰性判断，正确性不依赖这个任务；
// 任务的作用是主动关闭长期没人轮询的 pending 意向，保持展示状态新鲜。
type IntentExpiryJob struct {
	intentRepo *repository.IntentRepository
	webhookSvc *service.WebhookService
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewIntentExpiryJob(intentRepo *repository.IntentRepository, webhookSvc *service.WebhookService) *IntentExpiryJob {
	return &IntentExpiryJob{
		intentRepo: intentRepo,
		webhookSvc: webhookSvc,
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  100,
	}
}

func (j *IntentExpiryJob) Start(ctx context.Context) {
	log.Println("[IntentExpiryJob] 支付意向过期任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[IntentExpiryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[IntentExpiryJob] 任务停止")
			return
		case <-ticker.C:
			j.expireStaleIntents(ctx)
		}
	}
}

func (j *IntentExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *IntentExpiryJob) expireStaleIntents(ctx context.Context) {
	intents, err := j.intentRepo.GetExpiredIntents(ctx, j.batchSize)
	if err != nil {
		log.Printf("[IntentExpiryJob] 查询过期意向失败: %v", err)
		return
	}

	if len(intents) == 0 {
		return
	}

	log.Printf("[IntentExpiryJob] 发现 %d 个过期意向", len(intents))

	expiredCount := 0
	for _, intent := range intents {
		if err := j.webhookSvc.ExpireIntent(ctx, intent.Reference); err != nil {
			log.Printf("[IntentExpiryJob] 关闭意向失败: reference=%s, err=%v", intent.Reference, err)
			continue
		}
		expiredCount++
	}

	log.Printf("[IntentExpiryJob] 本次关闭 %d 个过期意向", expiredCount)
}
