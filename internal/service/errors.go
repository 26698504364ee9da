package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount     = errors.New("金额不合法")
	ErrActiveIntentExist = errors.New("存在未完成的支付意向，请先完成或取消")
	ErrCannotCancel      = errors.New("当前状态不允许取消")
)

// NoCredentialError 用户没有任何可用的账本账号，不可重试
type NoCredentialError struct {
	UserID int64
}

func (e *NoCredentialError) Error() string {
	return fmt.Sprintf("用户无可用账本账号: userID=%d", e.UserID)
}

// AllHoldersExhaustedError 所有白名单总代都尝试失败，可由补单任务重试
type AllHoldersExhaustedError struct {
	Attempts []TransferAttempt
}

func (e *AllHoldersExhaustedError) Error() string {
	return fmt.Sprintf("所有总代上分失败: attempts=%d", len(e.Attempts))
}
