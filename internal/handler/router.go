package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 充值订单相关
		deposit := api.Group("/deposit")
		{
			deposit.POST("/create", h.CreateDeposit)
			deposit.POST("/cancel", h.CancelDeposit)
			deposit.GET("/detail", h.GetDeposit)
			deposit.GET("/list", h.ListDeposits)
		}

		// 网关回调与轮询
		gcash := api.Group("/gcash")
		{
			gcash.POST("/webhook", h.GCashWebhook)
			gcash.GET("/status/:reference", h.PaymentStatus)
		}

		// 管理接口
		admin := api.Group("/admin")
		{
			admin.GET("/pool/balance", h.PoolBalance)
			admin.POST("/transfer/retry", h.RetryTransfer)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
