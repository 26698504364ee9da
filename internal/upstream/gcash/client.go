package gcash

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
	ErrMalformedResponse = errors.New("网关响应格式异常")
)

// UpstreamError 网关明确返回的业务拒绝（非网络错误，不重试）
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("网关拒绝: status=%d, message=%s", e.StatusCode, e.Message)
}

// Client GCash 入金网关客户端
//
// 所有请求带固定超时；网络类瞬时错误用指数退避重试少量几次，
// 网关明确返回的 4xx 拒绝不重试。
type Client struct {
	baseURL     string
	apiKey      string
	webhookURL  string
	redirectURL string
	httpClient  *http.Client
}

func NewClient(cfg *config.GCashConfig) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		webhookURL:  cfg.WebhookURL,
		redirectURL: cfg.RedirectURL,
		httpClient:  &http.Client{Timeout: cfg.Timeout()},
	}
}

// PaymentOrder 网关生成的可支付凭据
type PaymentOrder struct {
	Reference string    `json:"reference"`
	PayURL    string    `json:"pay_url"`
	QRData    string    `json:"qr_data"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PaymentStatus 网关侧支付状态（原始字符串，归一化在上层做）
type PaymentStatus struct {
	Status                string `json:"status"`
	UpstreamTransactionID string `json:"transaction_id"`
}

type generateRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	WebhookURL  string `json:"webhook_url"`
	RedirectURL string `json:"redirect_url"`
}

type generateResponse struct {
	Reference string `json:"reference"`
	PayURL    string `json:"pay_url"`
	QRData    string `json:"qr_data"`
	ExpiresAt string `json:"expires_at"`
}

// GeneratePayment 生成支付链接/二维码
func (c *Client) GeneratePayment(ctx context.Context, amount int64, reference string) (*PaymentOrder, error) {
	reqBody := &generateRequest{
		Amount:      amount,
		Currency:    "PHP",
		Reference:   reference,
		WebhookURL:  c.webhookURL,
		RedirectURL: c.redirectURL,
	}

	var resp generateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/payment/create", reqBody, &resp); err != nil {
		return nil, err
	}

	if resp.Reference == "" || (resp.PayURL == "" && resp.QRData == "") {
		return nil, ErrMalformedResponse
	}

	expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	if err != nil {
		// 网关没给有效期时由调用方用本地 TTL 兜底
		expiresAt = time.Time{}
	}

	return &PaymentOrder{
		Reference: resp.Reference,
		PayURL:    resp.PayURL,
		QRData:    resp.QRData,
		ExpiresAt: expiresAt,
	}, nil
}

// CheckStatus 查询支付状态
func (c *Client) CheckStatus(ctx context.Context, reference string) (*PaymentStatus, error) {
	var resp PaymentStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/payment/status/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "" {
		return nil, ErrMalformedResponse
	}
	return &resp, nil
}

// doJSON 发送请求并解析 JSON 响应
//
// 重试策略只覆盖网络/5xx 瞬时错误；4xx 和格式错误是永久失败。
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
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
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
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
			return fmt.Errorf("网关临时不可用: status=%d", resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return backoff.Permanent(&UpstreamError{
				StatusCode: resp.StatusCode,
				Message:    string(data),
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
