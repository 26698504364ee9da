package model

import "time"

// ============================================================================
// 双腿状态机
// ============================================================================
//
// 一笔充值有两条独立的腿：
//   入金腿（GCash 网关收款）   gcash_status
//   出金腿（娱乐场账本上分）   casino_status
//
// 两条腿各自异步推进，对外只展示一个合并后的规范状态 status。
//
// 【合并规则】
//   入金腿对失败/过期有最终话语权 —— 钱没收到，其他都不用看；
//   钱一旦收到，出金腿失败也不会把订单打回 failed，而是停在
//   payment_completed，等补单任务重试上分，避免重复扣款/重复上分。
//
// ============================================================================

// 规范状态（对用户/管理后台展示的唯一状态）
const (
	StatusPending          = "pending"
	StatusPaymentCompleted = "payment_completed" // 入金完成、出金未完成的稳定中间态
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusExpired          = "expired"
	StatusCancelled        = "cancelled"
)

// 入金腿状态
const (
	GcashStatusPending   = "pending"
	GcashStatusCompleted = "completed"
	GcashStatusFailed    = "failed"
	GcashStatusExpired   = "expired"
)

// 出金腿状态
const (
	CasinoStatusPending      = "pending"
	CasinoStatusProcessing   = "processing"
	CasinoStatusCompleted    = "completed"
	CasinoStatusFailed       = "failed"
	CasinoStatusNoCredential = "no_credential"
)

// Reconcile 由两条腿的状态推导规范状态
//
// 纯函数，无副作用，对任意输入组合都有确定输出。
func Reconcile(gcashStatus, casinoStatus string) string {
	switch gcashStatus {
	case GcashStatusFailed:
		return StatusFailed
	case GcashStatusExpired:
		return StatusExpired
	case GcashStatusCompleted:
		if casinoStatus == CasinoStatusCompleted {
			return StatusCompleted
		}
		// pending / processing / no_credential / failed 都停在 payment_completed，
		// 钱已收到，不回退，等补单任务重试
		return StatusPaymentCompleted
	default:
		return StatusPending
	}
}

// IsTerminal 规范状态是否为终态
//
// payment_completed 不是终态：它可以被补单任务再次推进到 completed。
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// CanCancel 取消是用户/管理员直接发起的独立终态迁移，不走合并表，
// 只允许在 pending 状态下执行。
func CanCancel(status string) bool {
	return status == StatusPending
}

// ============================================================================
// 时间线投影
// ============================================================================

// 时间线阶段
const (
	PhaseDeposit  = "deposit"  // 订单本身
	PhasePayment  = "payment"  // 入金腿
	PhaseTransfer = "transfer" // 出金腿
	PhaseOverall  = "overall"  // 规范状态
)

// TimelineEntry 时间线条目，仅用于展示
type TimelineEntry struct {
	Phase     string    `json:"phase"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// BuildTimeline 从当前状态完整重建时间线
//
// 【关键点】每次都全量重建，绝不增量修补 —— 回调重放、补单重试之后
// 重建出来的时间线永远和当前状态一致。纯函数，不读时钟。
func BuildTimeline(t *Transaction) []TimelineEntry {
	timeline := []TimelineEntry{
		{Phase: PhaseDeposit, State: "created", Timestamp: t.CreatedAt},
	}

	paymentAt := t.CreatedAt
	lastAt := t.CreatedAt
	for _, h := range t.StatusHistory {
		lastAt = h.Timestamp
		// 入金腿的落点：第一次离开 pending 的状态变更
		if paymentAt.Equal(t.CreatedAt) && h.Status != StatusPending {
			paymentAt = h.Timestamp
		}
	}

	timeline = append(timeline, TimelineEntry{
		Phase:     PhasePayment,
		State:     t.GcashStatus,
		Timestamp: paymentAt,
	})

	// 出金腿只有在入金完成后才有意义
	if t.GcashStatus == GcashStatusCompleted {
		timeline = append(timeline, TimelineEntry{
			Phase:     PhaseTransfer,
			State:     t.CasinoStatus,
			Timestamp: lastAt,
		})
	}

	timeline = append(timeline, TimelineEntry{
		Phase:     PhaseOverall,
		State:     t.Status,
		Timestamp: lastAt,
	})

	return timeline
}
