package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/database"
	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/inventory"
	"github.com/botmart/botmart-settlement-service/internal/models"
	"github.com/botmart/botmart-settlement-service/internal/settlement"
)

// Handlers exposes the settlement engine and inventory maintenance over
// HTTP. The webhook endpoint lives in its own package; everything here is
// called by the storefront front-end or by operators.
type Handlers struct {
	db        *sql.DB
	engine    *settlement.Engine
	allocator *inventory.Allocator
	locks     *database.AdvisoryLock
	logger    *logrus.Entry
}

func NewHandlers(db *sql.DB, engine *settlement.Engine, allocator *inventory.Allocator,
	locks *database.AdvisoryLock, logger *logrus.Entry) *Handlers {
	return &Handlers{
		db:        db,
		engine:    engine,
		allocator: allocator,
		locks:     locks,
		logger:    logger.WithField("component", "http"),
	}
}

type createInvoiceRequest struct {
	UserID int64             `json:"user_id" binding:"required"`
	Method string            `json:"method" binding:"required"`
	Cart   []models.CartLine `json:"cart" binding:"required"`
}

// CreateInvoice handles POST /api/v1/invoices.
func (h *Handlers) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	invoice, err := h.engine.CreateInvoice(c.Request.Context(), req.UserID, req.Cart,
		models.PaymentMethod(req.Method))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invoice)
}

type createDepositRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Method string `json:"method" binding:"required"`
}

// CreateDeposit handles POST /api/v1/deposits.
func (h *Handlers) CreateDeposit(c *gin.Context) {
	var req createDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	invoice, err := h.engine.CreateDepositInvoice(c.Request.Context(), req.UserID, req.Amount,
		models.PaymentMethod(req.Method))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invoice)
}

// GetStock handles GET /api/v1/stock/:product_id.
func (h *Handlers) GetStock(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("product_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}

	count, err := h.allocator.Stock(c.Request.Context(), productID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "stock": count})
}

// Reconcile handles POST /api/v1/admin/reconcile/:gateway_order_id. It pulls
// the provider's view of an attempt and settles it if the gateway reports a
// terminal state, covering callbacks that never arrived.
func (h *Handlers) Reconcile(c *gin.Context) {
	gatewayOrderID := c.Param("gateway_order_id")

	if err := h.engine.RefreshFromGateway(c.Request.Context(), gatewayOrderID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}

// RecomputeStock handles POST /api/v1/admin/recompute-stock. Serialized under
// the advisory lock so two operators cannot race the maintenance pass.
func (h *Handlers) RecomputeStock(c *gin.Context) {
	ctx := c.Request.Context()

	lock, err := h.locks.TryAcquire(ctx, "settlement:stock-recompute")
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			c.JSON(http.StatusConflict, gin.H{"error": "recompute already in progress"})
			return
		}
		h.respondError(c, err)
		return
	}
	defer lock.Unlock(ctx)

	updated, err := h.allocator.RecomputeStockAll(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products_updated": updated})
}

// IntegrityCheck handles GET /api/v1/admin/integrity.
func (h *Handlers) IntegrityCheck(c *gin.Context) {
	anomalies, err := h.allocator.IntegrityCheck(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "settlement-service",
	})
}

// Ready handles GET /ready. Readiness follows the database; redis and kafka
// degrade gracefully and do not gate traffic.
func (h *Handlers) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  "database unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"service": "settlement-service",
	})
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.Is(err, domain.ErrEmptyCart):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrUnknownProduct),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrDepositNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case domain.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
	default:
		h.logger.WithField("error", err.Error()).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
