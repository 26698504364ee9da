package casino

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gcashpay/internal/config"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrMalformedResponse = errors.New("账本响应格式异常")
)

// RejectionError 账本明确拒绝（余额不足、账号冻结等），不做网络级重试，
// 由转账编排器换下一个总代继续尝试
type RejectionError struct {
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("账本拒绝: code=%d, message=%s", e.Code, e.Message)
}

// Client 娱乐场账本客户端
type Client struct {
	baseURL    string
	currency   string
	httpClient *http.Client
}

func NewClient(cfg *config.CasinoConfig) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		currency:   cfg.Currency,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

// LoginResult 登录令牌及其到期时间
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
}

type loginResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // 秒
}

// Login 总代账号登录，换取短期 bearer 令牌
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	reqBody := map[string]string{
		"username": username,
		"password": password,
	}

	var resp loginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/agent/login", "", reqBody, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Token == "" || resp.ExpiresIn <= 0 {
		// 登录接口返回畸形载荷按失败处理，走同样的清理路径
		return nil, ErrMalformedResponse
	}

	return &LoginResult{
		Token:     resp.Token,
		ExpiresAt: time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

// TransferRequest 上分转账请求
type TransferRequest struct {
	Token          string
	Amount         int64
	TargetClientID string
	TargetUsername string
	Comment        string
}

// TransferResult 上分成功的结果
type TransferResult struct {
	TransferID string
	NewBalance int64
}

type transferResponse struct {
	Success    bool   `json:"success"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	TransferID string `json:"transfer_id"`
	NewBalance int64  `json:"new_balance"`
}

// TransferFunds 从总代资金池向目标用户账本账户上分
func (c *Client) TransferFunds(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	reqBody := map[string]interface{}{
		"amount":          req.Amount,
		"currency":        c.currency,
		"target_client":   req.TargetClientID,
		"target_username": req.TargetUsername,
		"comment":         req.Comment,
	}

	var resp transferResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/agent/transfer", req.Token, reqBody, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &RejectionError{Code: resp.Code, Message: resp.Message}
	}
	if resp.TransferID == "" {
		return nil, ErrMalformedResponse
	}

	return &TransferResult{
		TransferID: resp.TransferID,
		NewBalance: resp.NewBalance,
	}, nil
}

type balanceResponse struct {
	Success bool  `json:"success"`
	Balance int64 `json:"balance"`
}

// GetBalance 查询总代资金池余额
func (c *Client) GetBalance(ctx context.Context, token string) (int64, error) {
	var resp balanceResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/agent/balance", token, nil, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, ErrMalformedResponse
	}
	return resp.Balance, nil
}

// Hierarchy 用户在账本侧的代理层级
type Hierarchy struct {
	TopManagerUsername       string `json:"top_manager"`
	ImmediateManagerUsername string `json:"immediate_manager"`
}

type hierarchyResponse struct {
	Success   bool      `json:"success"`
	Hierarchy Hierarchy `json:"hierarchy"`
}

// GetUserHierarchy 查询用户的总代归属
func (c *Client) GetUserHierarchy(ctx context.Context, token, username string) (*Hierarchy, error) {
	var resp hierarchyResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/agent/hierarchy/"+username, token, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Hierarchy.TopManagerUsername == "" {
		return nil, ErrMalformedResponse
	}
	return &resp.Hierarchy, nil
}

// doJSON 发送请求并解析 JSON 响应，网络/5xx 瞬时错误指数退避重试
func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // 网络错误，重试
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("账本临时不可用: status=%d", resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return backoff.Permanent(&RejectionError{
				Code:    resp.StatusCode,
				Message: string(data),
			})
		}

		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(ErrMalformedResponse)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(operation, bo)
}
