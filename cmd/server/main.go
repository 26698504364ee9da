package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gcashpay/internal/config"
	"gcashpay/internal/handler"
	"gcashpay/internal/infrastructure/cache"
	"gcashpay/internal/infrastructure/database"
	"gcashpay/internal/infrastructure/mq"
	"gcashpay/internal/job"
	"gcashpay/internal/model"
	"gcashpay/internal/repository"
	"gcashpay/internal/service"
	"gcashpay/internal/upstream/casino"
	"gcashpay/internal/upstream/gcash"
	"gcashpay/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 创建仓储层
	txnRepo := repository.NewTransactionRepository(db)
	userRepo := repository.NewUserRepository(db)
	intentRepo := repository.NewIntentRepository(db)
	holderRepo := repository.NewTopManagerRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	// 从配置同步总代白名单（密码与优先级以配置为准）
	seedTopManagers(holderRepo, cfg)

	// 创建上游客户端
	gcashClient := gcash.NewClient(&cfg.GCash)
	casinoClient := casino.NewClient(&cfg.Casino)
	tokenCache := casino.NewTokenCache(casinoClient, holderRepo)

	// 创建服务层
	transferSvc := service.NewTransferService(
		userRepo, txnRepo, holderRepo, outboxRepo,
		tokenCache, casinoClient, redisClient, cfg,
	)
	webhookSvc := service.NewWebhookService(
		txnRepo, intentRepo, outboxRepo,
		gcashClient, transferSvc, redisClient, cfg,
	)
	depositSvc := service.NewDepositService(
		txnRepo, userRepo, intentRepo, outboxRepo,
		gcashClient, casinoClient, tokenCache, redisClient, cfg,
	)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	sweepJob := job.NewSweepJob(txnRepo, transferSvc, cfg)
	go sweepJob.Start(ctx)

	expiryJob := job.NewIntentExpiryJob(intentRepo, webhookSvc)
	go expiryJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(depositSvc, webhookSvc, transferSvc)
	router := handler.SetupRouter(h)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}

// seedTopManagers 把配置里的总代账号写入白名单表
//
// 【为什么走数据库而不是只读配置】
// 令牌要随账号持久化，进程重启后才能复用未过期的令牌。
func seedTopManagers(repo *repository.TopManagerRepository, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i, cred := range cfg.Casino.TopManagers {
		tm := &model.TopManager{
			Username: cred.Username,
			Password: cred.Password,
			Priority: i + 1,
			Enabled:  true,
		}
		if err := repo.Upsert(ctx, tm); err != nil {
			log.Fatalf("总代白名单初始化失败: username=%s, err=%v", cred.Username, err)
		}
	}
	log.Printf("总代白名单已同步: count=%d", len(cfg.Casino.TopManagers))
}
