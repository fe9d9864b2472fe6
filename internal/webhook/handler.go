package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/metrics"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

// SignatureHeader carries the gateway's HMAC-SHA256 of the raw request body,
// hex encoded.
const SignatureHeader = "X-Callback-Signature"

// Settler is the slice of the settlement engine the receiver drives. Every
// method is idempotent, so redelivered callbacks are safe to pass through.
type Settler interface {
	MarkPaymentCompleted(ctx context.Context, gatewayOrderID string, confirmedAmount int64) (*models.Payment, error)
	MarkPaymentFailed(ctx context.Context, gatewayOrderID string) (*models.Payment, error)
	ExpirePayment(ctx context.Context, gatewayOrderID string) (*models.Payment, error)
	MarkDepositCompleted(ctx context.Context, gatewayOrderID string, confirmedAmount int64) (*models.Deposit, error)
	MarkDepositFailed(ctx context.Context, gatewayOrderID string) (*models.Deposit, error)
	ExpireDeposit(ctx context.Context, gatewayOrderID string) (*models.Deposit, error)
}

// callbackPayload is the gateway's notification body.
type callbackPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Amount  int64  `json:"amount"`
}

// Handler terminates gateway callbacks: verifies the signature, maps the
// reported status onto an engine transition and translates engine errors to
// HTTP statuses. It holds no settlement logic of its own.
type Handler struct {
	engine Settler
	secret string
	logger *logrus.Entry
}

func NewHandler(engine Settler, secret string, logger *logrus.Entry) *Handler {
	return &Handler{
		engine: engine,
		secret: secret,
		logger: logger.WithField("component", "webhook"),
	}
}

// HandleGatewayCallback is the POST /api/v1/webhooks/gateway handler.
func (h *Handler) HandleGatewayCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if h.secret != "" {
		signature := c.GetHeader(SignatureHeader)
		if !VerifySignature(body, signature, h.secret) {
			metrics.WebhooksTotal.WithLabelValues("bad_signature").Inc()
			h.logger.WithField("remote", c.ClientIP()).Warn("Rejected callback with invalid signature")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhooksTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if payload.OrderID == "" {
		metrics.WebhooksTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id is required"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"gateway_order_id": payload.OrderID,
		"status":           payload.Status,
		"amount":           payload.Amount,
	}).Info("Gateway callback received")

	if err := h.settle(c, &payload); err != nil {
		h.respondError(c, payload.OrderID, err)
		return
	}

	metrics.WebhooksTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) settle(c *gin.Context, payload *callbackPayload) error {
	ctx := c.Request.Context()
	isDeposit := strings.HasPrefix(payload.OrderID, "dep_")

	switch strings.ToLower(payload.Status) {
	case "completed", "success", "paid":
		if isDeposit {
			_, err := h.engine.MarkDepositCompleted(ctx, payload.OrderID, payload.Amount)
			return err
		}
		_, err := h.engine.MarkPaymentCompleted(ctx, payload.OrderID, payload.Amount)
		return err
	case "failed", "cancelled":
		if isDeposit {
			_, err := h.engine.MarkDepositFailed(ctx, payload.OrderID)
			return err
		}
		_, err := h.engine.MarkPaymentFailed(ctx, payload.OrderID)
		return err
	case "expired":
		if isDeposit {
			_, err := h.engine.ExpireDeposit(ctx, payload.OrderID)
			return err
		}
		_, err := h.engine.ExpirePayment(ctx, payload.OrderID)
		return err
	default:
		// Unrecognized statuses are acknowledged so the gateway stops
		// retrying; they carry no transition for us.
		h.logger.WithFields(logrus.Fields{
			"gateway_order_id": payload.OrderID,
			"status":           payload.Status,
		}).Info("Ignoring callback with unhandled status")
		return nil
	}
}

func (h *Handler) respondError(c *gin.Context, gatewayOrderID string, err error) {
	var mismatch *domain.AmountMismatchError
	switch {
	case errors.As(err, &mismatch):
		metrics.WebhooksTotal.WithLabelValues("conflict").Inc()
		h.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"stored":           mismatch.Stored,
			"confirmed":        mismatch.Confirmed,
		}).Error("Callback amount mismatch")
		c.JSON(http.StatusConflict, gin.H{"error": "amount mismatch"})
	case errors.Is(err, domain.ErrPaymentNotFound), errors.Is(err, domain.ErrDepositNotFound):
		metrics.WebhooksTotal.WithLabelValues("not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown order id"})
	default:
		metrics.WebhooksTotal.WithLabelValues("error").Inc()
		h.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"error":            err.Error(),
		}).Error("Callback settlement failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
	}
}

// VerifySignature checks an HMAC-SHA256 hex signature over the raw body.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Sign computes the signature the gateway would attach to body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
