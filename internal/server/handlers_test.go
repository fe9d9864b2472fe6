package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/domain"
)

func testHandlers() *Handlers {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Handlers{logger: logrus.NewEntry(logger)}
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := testHandlers()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	h.Health(c)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
	if resp["service"] != "settlement-service" {
		t.Errorf("Expected service 'settlement-service', got %v", resp["service"])
	}
}

func TestRespondErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty cart", domain.ErrEmptyCart, http.StatusBadRequest},
		{"validation", domain.NewValidationError("method", "unsupported"), http.StatusBadRequest},
		{"unknown product", domain.ErrUnknownProduct, http.StatusNotFound},
		{"payment not found", domain.ErrPaymentNotFound, http.StatusNotFound},
		{"user not found", domain.ErrUserNotFound, http.StatusNotFound},
		{"amount mismatch", &domain.AmountMismatchError{GatewayOrderID: "pay_x", Stored: 1, Confirmed: 2}, http.StatusConflict},
		{"gateway down", domain.ErrGatewayUnavailable, http.StatusBadGateway},
		{"internal", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	h := testHandlers()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			h.respondError(c, tt.err)

			if w.Code != tt.want {
				t.Errorf("respondError(%v) = %d, want %d", tt.err, w.Code, tt.want)
			}
		})
	}
}
