package models

import "time"

// OrderStatus is the lifecycle state of a storefront order.
type OrderStatus string

const (
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPendingManual   OrderStatus = "pending_manual"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusAwaitingPayment: {OrderStatusPendingManual, OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPendingManual:   {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:            {},
	OrderStatusCancelled:       {},
}

// CanTransitionTo reports whether the transition is in the allowed table.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCancelled
}

// PaymentStatus is the lifecycle state of a payment or deposit attempt.
// completed and failed are terminal.
type PaymentStatus string

const (
	PaymentStatusCreated   PaymentStatus = "created"
	PaymentStatusWaiting   PaymentStatus = "waiting"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusCreated:   {PaymentStatusWaiting, PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusWaiting:   {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusCompleted: {},
	PaymentStatusFailed:    {},
}

// CanTransitionTo reports whether the transition is in the allowed table.
func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is permitted.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// PaymentMethod identifies the gateway channel used for a payment.
type PaymentMethod string

const (
	PaymentMethodQRIS           PaymentMethod = "qris"
	PaymentMethodEWallet        PaymentMethod = "ewallet"
	PaymentMethodVirtualAccount PaymentMethod = "virtual_account"
)

// ValidMethod reports whether the method is one the gateway supports.
func ValidMethod(m PaymentMethod) bool {
	switch m {
	case PaymentMethodQRIS, PaymentMethodEWallet, PaymentMethodVirtualAccount:
		return true
	}
	return false
}

// Order is a checked-out cart. Orders are historical records and are never
// deleted; only the settlement engine mutates their status.
type Order struct {
	ID         int64       `json:"id"`
	UserID     int64       `json:"user_id"`
	TotalPrice int64       `json:"total_price"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// OrderItem is one cart line with the unit price captured at checkout time,
// so later catalog price changes cannot alter historical totals.
type OrderItem struct {
	ID        int64 `json:"id"`
	OrderID   int64 `json:"order_id"`
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// Payment tracks one gateway payment attempt for an order. GatewayOrderID is
// the idempotency key shared with the provider. TotalPayable is fixed at
// creation; a webhook confirming a different amount is a conflict.
type Payment struct {
	ID             int64         `json:"id"`
	GatewayOrderID string        `json:"gateway_order_id"`
	OrderID        int64         `json:"order_id"`
	Method         PaymentMethod `json:"method"`
	Status         PaymentStatus `json:"status"`
	Amount         int64         `json:"amount"`
	Fee            int64         `json:"fee"`
	TotalPayable   int64         `json:"total_payable"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	// UserID is the owning order's user. Populated only by queries that
	// join orders (expiry listing); zero elsewhere.
	UserID int64 `json:"-"`
}

// Deposit is the balance top-up counterpart of Payment: no order, a
// completed deposit credits the user's balance instead.
type Deposit struct {
	ID             int64         `json:"id"`
	GatewayOrderID string        `json:"gateway_order_id"`
	UserID         int64         `json:"user_id"`
	Method         PaymentMethod `json:"method"`
	Status         PaymentStatus `json:"status"`
	Amount         int64         `json:"amount"`
	Fee            int64         `json:"fee"`
	TotalPayable   int64         `json:"total_payable"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ContentUnit is one single-use inventory record. One unit satisfies one
// unit of purchased quantity for exactly one order, once.
type ContentUnit struct {
	ID        int64      `json:"id"`
	ProductID int64      `json:"product_id"`
	Payload   string     `json:"payload"`
	IsUsed    bool       `json:"is_used"`
	OrderID   *int64     `json:"order_id,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Product carries the catalog fields the settlement core touches. Stock is
// derived from the unused-unit count and is only ever recomputed, never
// incremented or decremented independently.
type Product struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Stock     int    `json:"stock"`
	SoldCount int    `json:"sold_count"`
}

// CartLine is one requested line of a checkout. The price is read from the
// catalog inside the invoice transaction, not supplied by the caller.
type CartLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}
