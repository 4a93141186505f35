package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrEmptyOrder        = errors.New("order has no items")
	ErrInvalidTransition = errors.New("order status transition not allowed")
	ErrUnknownStatus     = errors.New("unknown order status")
)

// OrderLineDraft is one cart line captured at finalization.
type OrderLineDraft struct {
	ProductID string
	Name      string
	Variant   *string
	UnitPrice decimal.Decimal
	Quantity  int
}

// OrderDraft is everything needed to persist an order. The payment status is
// derived from Payment: an order is paid only when a verified payment is
// attached.
type OrderDraft struct {
	UserID        uuid.UUID
	OrderNumber   string
	Items         []OrderLineDraft
	Subtotal      decimal.Decimal
	ShippingFee   decimal.Decimal
	Total         decimal.Decimal
	Currency      string
	ContactEmail  string
	ContactPhone  string
	ShippingName  string
	Address       string
	City          string
	State         string
	Pincode       string
	PaymentMethod string
	Payment       *VerifiedPayment
}

// OrderFilter narrows admin listings.
type OrderFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// OrderStats feeds the admin dashboard.
type OrderStats struct {
	TotalUsers     int64            `json:"total_users"`
	TotalOrders    int64            `json:"total_orders"`
	TotalRevenue   decimal.Decimal  `json:"total_revenue"`
	PaidOrders     int64            `json:"paid_orders"`
	OrdersByStatus map[string]int64 `json:"orders_by_status"`
}

// OrderService persists and queries orders.
type OrderService struct {
	db *gorm.DB
}

func NewOrderService(db *gorm.DB) *OrderService {
	return &OrderService{db: db}
}

// GenerateOrderNumber returns a fresh, time-based order number. Each
// finalization attempt gets its own.
func GenerateOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%d%03d", now.UnixMilli(), rand.Intn(1000))
}

// Create stores the order and its items in one transaction. A paid draft whose
// gateway order is already saved returns that order instead of a second one.
func (s *OrderService) Create(ctx context.Context, draft OrderDraft) (*models.Order, error) {
	if len(draft.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	if draft.UserID == uuid.Nil {
		return nil, errors.New("order requires a user")
	}
	if draft.OrderNumber == "" {
		draft.OrderNumber = GenerateOrderNumber(time.Now())
	}

	order := models.Order{
		UserID:          draft.UserID,
		OrderNumber:     draft.OrderNumber,
		Status:          models.OrderStatusConfirmed,
		Subtotal:        draft.Subtotal,
		ShippingFee:     draft.ShippingFee,
		Total:           draft.Total,
		Currency:        draft.Currency,
		ContactEmail:    draft.ContactEmail,
		ContactPhone:    draft.ContactPhone,
		ShippingName:    draft.ShippingName,
		ShippingAddress: draft.Address,
		ShippingCity:    draft.City,
		ShippingState:   draft.State,
		ShippingPincode: draft.Pincode,
		PaymentMethod:   draft.PaymentMethod,
		PaymentStatus:   models.PaymentStatusPending,
	}
	if draft.Payment != nil {
		ref := draft.Payment.PaymentID()
		gatewayOrderID := draft.Payment.GatewayOrderID()
		order.PaymentStatus = models.PaymentStatusPaid
		order.PaymentReference = &ref
		order.GatewayOrderID = &gatewayOrderID
	}

	for _, line := range draft.Items {
		order.Items = append(order.Items, models.OrderItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			Variant:   line.Variant,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			LineTotal: line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))),
		})
	}

	var existing *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if order.GatewayOrderID != nil {
			var prior models.Order
			err := tx.Preload("Items").
				Where("gateway_order_id = ? AND user_id = ?", *order.GatewayOrderID, order.UserID).
				First(&prior).Error
			if err == nil {
				existing = &prior
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.Create(&order).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create order %s: %w", order.OrderNumber, err)
	}
	if existing != nil {
		log.Printf("[Order] gateway order %s already saved as %s", *order.GatewayOrderID, existing.OrderNumber)
		return existing, nil
	}
	return &order, nil
}

// ListForUser returns a user's orders, newest first.
func (s *OrderService) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.Order
	if err := query.Preload("Items").
		Order("created_at desc").
		Limit(limit).Offset(offset).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// Get returns one of the user's orders.
func (s *OrderService) Get(ctx context.Context, userID, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Preload("Items").
		First(&order, "id = ? AND user_id = ?", id, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// List returns all orders for the back office.
func (s *OrderService) List(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Order{})

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(order_number) LIKE ? OR LOWER(contact_email) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var orders []models.Order
	if err := query.Preload("Items").
		Order("created_at desc").
		Limit(limit).Offset(filter.Offset).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// UpdateStatus moves an order along the fulfillment lifecycle. Payment
// fields are never touched here.
func (s *OrderService) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*models.Order, error) {
	if !models.IsOrderStatus(status) {
		return nil, ErrUnknownStatus
	}

	var order models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if !models.CanTransitionOrder(order.Status, status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, order.Status, status)
		}
		order.Status = status
		return tx.Model(&order).Update("status", status).Error
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// Stats aggregates order counts and revenue of non-cancelled orders.
func (s *OrderService) Stats(ctx context.Context) (OrderStats, error) {
	db := s.db.WithContext(ctx)
	stats := OrderStats{OrdersByStatus: map[string]int64{}}

	if err := db.Model(&models.User{}).Count(&stats.TotalUsers).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.Order{}).Count(&stats.TotalOrders).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.Order{}).
		Where("payment_status = ?", models.PaymentStatusPaid).
		Count(&stats.PaidOrders).Error; err != nil {
		return stats, err
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	if err := db.Model(&models.Order{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return stats, err
	}
	for _, sc := range counts {
		stats.OrdersByStatus[sc.Status] = sc.Count
	}

	var revenue decimal.NullDecimal
	if err := db.Model(&models.Order{}).
		Where("status != ?", models.OrderStatusCancelled).
		Select("SUM(total)").
		Row().Scan(&revenue); err != nil {
		return stats, err
	}
	stats.TotalRevenue = decimal.Zero
	if revenue.Valid {
		stats.TotalRevenue = revenue.Decimal
	}
	return stats, nil
}
