package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/config"
	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

// Client is the contract this engine consumes from the QR payment provider.
type Client interface {
	// CreateTransaction registers a payment attempt and returns the payable
	// invoice: QR payload / payment number, pay URL and expiry.
	CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*Transaction, error)
	// GetTransactionDetail fetches the provider's current view of an
	// attempt, used for reconciliation when a callback went missing.
	GetTransactionDetail(ctx context.Context, gatewayOrderID string, amount int64) (*TransactionDetail, error)
}

// CreateTransactionRequest carries internal minor-unit cents; the wire
// amount is converted to the gateway's whole-unit currency.
type CreateTransactionRequest struct {
	Method         models.PaymentMethod
	GatewayOrderID string
	Amount         int64
}

// Transaction is the created invoice as reported by the gateway.
type Transaction struct {
	PaymentNumber string    `json:"payment_number"`
	PayURL        string    `json:"pay_url"`
	QRPayload     string    `json:"qr_payload"`
	Total         int64     `json:"total"`
	ExpiredAt     time.Time `json:"expired_at"`
}

// TransactionDetail is the provider's status view of an attempt.
type TransactionDetail struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Amount  int64  `json:"amount"`
}

// WholeUnits converts minor-unit cents to the gateway's whole-unit
// currency, rounding any remainder up. Rounding down would under-charge.
func WholeUnits(cents int64) int64 {
	if cents <= 0 {
		return 0
	}
	return (cents + 99) / 100
}

// HTTPClient implements Client over the provider's HTTP API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Entry
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg config.GatewayConfig, logger *logrus.Entry) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.WithField("component", "gateway-client"),
	}
}

// CreateTransaction calls the provider's create endpoint. The call is
// idempotent on the provider side, keyed by GatewayOrderID.
func (c *HTTPClient) CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*Transaction, error) {
	c.logger.WithFields(logrus.Fields{
		"gateway_order_id": req.GatewayOrderID,
		"method":           req.Method,
		"amount":           req.Amount,
	}).Debug("Creating gateway transaction")

	body, err := json.Marshal(map[string]interface{}{
		"method":   req.Method,
		"order_id": req.GatewayOrderID,
		"amount":   WholeUnits(req.Amount),
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/payment/create", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"gateway_order_id": req.GatewayOrderID,
			"error":            err.Error(),
		}).Error("Gateway create request failed")
		return nil, fmt.Errorf("create transaction: %w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.logger.WithFields(logrus.Fields{
			"gateway_order_id": req.GatewayOrderID,
			"status_code":      resp.StatusCode,
		}).Error("Gateway create returned error")
		return nil, fmt.Errorf("create transaction: %w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var result struct {
		Payment Transaction `json:"payment"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"gateway_order_id": req.GatewayOrderID,
		"payment_number":   result.Payment.PaymentNumber,
		"expired_at":       result.Payment.ExpiredAt,
	}).Info("Gateway transaction created")

	return &result.Payment, nil
}

// GetTransactionDetail calls the provider's detail endpoint.
func (c *HTTPClient) GetTransactionDetail(ctx context.Context, gatewayOrderID string, amount int64) (*TransactionDetail, error) {
	body, err := json.Marshal(map[string]interface{}{
		"order_id": gatewayOrderID,
		"amount":   WholeUnits(amount),
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/payment/detail", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get transaction detail: %w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get transaction detail: %w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var detail TransactionDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("decode detail response: %w", err)
	}
	return &detail, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// MockClient is an in-memory Client for tests.
type MockClient struct {
	Transactions map[string]*Transaction
	Details      map[string]*TransactionDetail
	CreateErr    error
	Expiry       time.Duration
}

var _ Client = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{
		Transactions: make(map[string]*Transaction),
		Details:      make(map[string]*TransactionDetail),
		Expiry:       time.Hour,
	}
}

func (m *MockClient) CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*Transaction, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	txn := &Transaction{
		PaymentNumber: "mock-" + req.GatewayOrderID,
		PayURL:        "https://pay.example/" + req.GatewayOrderID,
		QRPayload:     "qr://" + req.GatewayOrderID,
		Total:         WholeUnits(req.Amount),
		ExpiredAt:     time.Now().Add(m.Expiry),
	}
	m.Transactions[req.GatewayOrderID] = txn
	return txn, nil
}

func (m *MockClient) GetTransactionDetail(ctx context.Context, gatewayOrderID string, amount int64) (*TransactionDetail, error) {
	if detail, ok := m.Details[gatewayOrderID]; ok {
		return detail, nil
	}
	return &TransactionDetail{OrderID: gatewayOrderID, Status: "pending", Amount: WholeUnits(amount)}, nil
}
