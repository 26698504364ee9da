package handler

import (
	"errors"
	"strconv"

	"gcashpay/internal/repository"
	"gcashpay/internal/service"
	"gcashpay/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	depositService  *service.DepositService
	webhookService  *service.WebhookService
	transferService *service.TransferService
}

// NewHandler 创建处理器实例
func NewHandler(
	depositService *service.DepositService,
	webhookService *service.WebhookService,
	transferService *service.TransferService,
) *Handler {
	return &Handler{
		depositService:  depositService,
		webhookService:  webhookService,
		transferService: transferService,
	}
}

// ============================================================
// 充值相关接口
// ============================================================

// CreateDeposit 创建充值订单
// POST /api/v1/deposit/create
//
// 【关键点】
// 1. 幂等性：相同的 request_id 只会创建一单
// 2. 单活跃意向：同一用户同时只允许一条未完成的支付意向
func (h *Handler) CreateDeposit(c *gin.Context) {
	var req service.CreateDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.depositService.CreateDeposit(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			response.BusinessError(c, response.CodeInvalidAmount, err.Error())
		case errors.Is(err, service.ErrActiveIntentExist):
			response.BusinessError(c, response.CodeActiveIntentExist, err.Error())
		case errors.Is(err, repository.ErrUserNotFound):
			response.BusinessError(c, response.CodeUserNotFound, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// CancelDeposit 取消充值订单（仅 pending 状态允许）
// POST /api/v1/deposit/cancel
func (h *Handler) CancelDeposit(c *gin.Context) {
	var req struct {
		TransactionNo string `json:"transaction_no" binding:"required"`
		Operator      string `json:"operator"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.depositService.Cancel(c.Request.Context(), req.TransactionNo, req.Operator)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCannotCancel):
			response.BusinessError(c, response.CodeStatusInvalid, err.Error())
		case errors.Is(err, repository.ErrTransactionNotFound):
			response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, gin.H{
		"message": "订单已取消",
	})
}

// GetDeposit 查询订单详情（含时间线）
// GET /api/v1/deposit/detail?transaction_no=xxx
func (h *Handler) GetDeposit(c *gin.Context) {
	transactionNo := c.Query("transaction_no")
	if transactionNo == "" {
		response.ParamError(c, "transaction_no 参数不能为空")
		return
	}

	txn, timeline, err := h.depositService.GetDetail(c.Request.Context(), transactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"transaction": txn,
		"timeline":    timeline,
	})
}

// ListDeposits 查询用户订单列表
// GET /api/v1/deposit/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListDeposits(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	txns, total, err := h.depositService.ListByUser(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      txns,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 网关回调与轮询接口
// ============================================================

// GCashWebhook 网关回调入口
// POST /api/v1/gcash/webhook
//
// 【关键点】无论内部处理成败，一律返回 200 成功应答：
// 对上游回错误只会招来重投风暴，内部错误记日志即可。
func (h *Handler) GCashWebhook(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		// 载荷解析失败也要应答成功
		c.JSON(200, service.WebhookAck{Success: true, Message: "已接收"})
		return
	}

	result := h.webhookService.ProcessWebhook(c.Request.Context(), payload)
	c.JSON(200, result)
}

// PaymentStatus 支付状态轮询
// GET /api/v1/gcash/status/:reference
func (h *Handler) PaymentStatus(c *gin.Context) {
	reference := c.Param("reference")
	if reference == "" {
		response.ParamError(c, "reference 参数不能为空")
		return
	}

	result, err := h.webhookService.CheckStatus(c.Request.Context(), reference)
	if err != nil {
		if errors.Is(err, repository.ErrIntentNotFound) {
			response.NotFound(c, "支付引用不存在")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"status":  result.Status,
		"details": result,
	})
}

// ============================================================
// 管理接口
// ============================================================

// PoolBalance 查询总代资金池余额
// GET /api/v1/admin/pool/balance?holder=xxx
func (h *Handler) PoolBalance(c *gin.Context) {
	holder := c.Query("holder")
	if holder == "" {
		response.ParamError(c, "holder 参数不能为空")
		return
	}

	balance, err := h.transferService.PoolBalance(c.Request.Context(), holder)
	if err != nil {
		if errors.Is(err, repository.ErrTopManagerNotFound) {
			response.BusinessError(c, response.CodeNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"holder":  holder,
		"balance": balance,
	})
}

// RetryTransfer 手动触发一笔交易的补单
// POST /api/v1/admin/transfer/retry
func (h *Handler) RetryTransfer(c *gin.Context) {
	var req struct {
		TransactionNo string `json:"transaction_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.transferService.RetryTransfer(c.Request.Context(), req.TransactionNo); err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
			return
		}
		response.BusinessError(c, response.CodeTransferFailed, err.Error())
		return
	}

	txn, _, err := h.depositService.GetDetail(c.Request.Context(), req.TransactionNo)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"transaction_no": txn.TransactionNo,
		"status":         txn.Status,
		"casino_status":  txn.CasinoStatus,
	})
}
