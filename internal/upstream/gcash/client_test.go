package gcash

import (
	"context"
	"net/http"
	"testing"
	"time"

	"gcashpay/internal/config"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client := NewClient(&config.GCashConfig{
		BaseURL:     "https://gateway.test",
		APIKey:      "test-key",
		WebhookURL:  "https://pay.test/webhook",
		RedirectURL: "https://pay.test/result",
	})
	httpmock.ActivateNonDefault(client.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestGeneratePayment(t *testing.T) {
	client := newTestClient(t)

	expiresAt := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/api/v1/payment/create",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer test-key", req.Header.Get("Authorization"))
			return httpmock.NewJsonResponse(200, map[string]interface{}{
				"reference":  "REF-001",
				"pay_url":    "https://gcash.test/pay/REF-001",
				"qr_data":    "qr-blob",
				"expires_at": expiresAt.Format(time.RFC3339),
			})
		})

	order, err := client.GeneratePayment(context.Background(), 50000, "DEP001")
	require.NoError(t, err)
	assert.Equal(t, "REF-001", order.Reference)
	assert.Equal(t, "https://gcash.test/pay/REF-001", order.PayURL)
	assert.True(t, order.ExpiresAt.Equal(expiresAt))
}

func TestGeneratePayment_MissingExpiry(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/api/v1/payment/create",
		httpmock.NewStringResponder(200, `{"reference":"REF-002","pay_url":"https://gcash.test/p"}`))

	order, err := client.GeneratePayment(context.Background(), 50000, "DEP002")
	require.NoError(t, err)
	// 网关没给有效期：零值交给调用方用本地 TTL 兜底
	assert.True(t, order.ExpiresAt.IsZero())
}

func TestGeneratePayment_MalformedResponse(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/api/v1/payment/create",
		httpmock.NewStringResponder(200, `{"unexpected":"shape"}`))

	_, err := client.GeneratePayment(context.Background(), 50000, "DEP003")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestGeneratePayment_RetriesOn5xx(t *testing.T) {
	client := newTestClient(t)

	calls := 0
	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/api/v1/payment/create",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(503, "unavailable"), nil
			}
			return httpmock.NewStringResponse(200,
				`{"reference":"REF-004","pay_url":"https://gcash.test/p"}`), nil
		})

	order, err := client.GeneratePayment(context.Background(), 50000, "DEP004")
	require.NoError(t, err)
	assert.Equal(t, "REF-004", order.Reference)
	assert.Equal(t, 3, calls)
}

func TestGeneratePayment_4xxIsPermanent(t *testing.T) {
	client := newTestClient(t)

	calls := 0
	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/api/v1/payment/create",
		func(req *http.Request) (*http.Response, error) {
			calls++
			return httpmock.NewStringResponse(400, "bad amount"), nil
		})

	_, err := client.GeneratePayment(context.Background(), -1, "DEP005")

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, 400, upstreamErr.StatusCode)
	// 明确拒绝不重试
	assert.Equal(t, 1, calls)
}

func TestCheckStatus(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder(http.MethodGet, "https://gateway.test/api/v1/payment/status/REF-006",
		httpmock.NewStringResponder(200, `{"status":"SUCCESS","transaction_id":"GW-789"}`))

	status, err := client.CheckStatus(context.Background(), "REF-006")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", status.Status)
	assert.Equal(t, "GW-789", status.UpstreamTransactionID)
}

func TestCheckStatus_EmptyStatusIsMalformed(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder(http.MethodGet, "https://gateway.test/api/v1/payment/status/REF-007",
		httpmock.NewStringResponder(200, `{}`))

	_, err := client.CheckStatus(context.Background(), "REF-007")
	require.ErrorIs(t, err, ErrMalformedResponse)
}
