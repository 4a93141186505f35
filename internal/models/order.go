package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"

	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"

	PaymentMethodOnline = "online"
	PaymentMethodCOD    = "cod"
)

// Order is the immutable snapshot of a completed checkout. Only Status is
// changed afterwards, by fulfillment.
type Order struct {
	BaseModel
	UserID           uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	OrderNumber      string          `gorm:"uniqueIndex" json:"order_number"`
	Status           string          `gorm:"index" json:"status"`
	Subtotal         decimal.Decimal `gorm:"type:numeric(12,2)" json:"subtotal"`
	ShippingFee      decimal.Decimal `gorm:"type:numeric(12,2)" json:"shipping_fee"`
	Total            decimal.Decimal `gorm:"type:numeric(12,2)" json:"total"`
	Currency         string          `json:"currency"`
	ContactEmail     string          `json:"contact_email"`
	ContactPhone     string          `json:"contact_phone"`
	ShippingName     string          `json:"shipping_name"`
	ShippingAddress  string          `json:"shipping_address"`
	ShippingCity     string          `json:"shipping_city"`
	ShippingState    string          `json:"shipping_state"`
	ShippingPincode  string          `json:"shipping_pincode"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentStatus    string          `json:"payment_status"`
	PaymentReference *string         `json:"payment_reference"`
	GatewayOrderID   *string         `json:"gateway_order_id"`
	Items            []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	BaseModel
	OrderID   uuid.UUID       `gorm:"type:uuid;index" json:"order_id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Variant   *string         `json:"variant"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(12,2)" json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `gorm:"type:numeric(12,2)" json:"line_total"`
}

// OrderStatusTransitions lists which fulfillment states may follow each state.
var OrderStatusTransitions = map[string][]string{
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionOrder reports whether an order may move from one status to another.
func CanTransitionOrder(from, to string) bool {
	for _, next := range OrderStatusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsOrderStatus reports whether s is a known fulfillment status.
func IsOrderStatus(s string) bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}
