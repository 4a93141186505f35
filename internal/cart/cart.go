package cart

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOwner    = errors.New("cart owner is required")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrLineNotFound    = errors.New("cart line not found")
	ErrProductNotFound = errors.New("product not found")
)

// Line is one product/variant pair in a cart.
type Line struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Variant   *string         `json:"variant"`
}

// VariantLabel returns the variant or "" when none was chosen.
func (l Line) VariantLabel() string {
	if l.Variant == nil {
		return ""
	}
	return *l.Variant
}

// Matches reports whether the line has the (productID, variant) key.
func (l Line) Matches(productID, variant string) bool {
	return l.ProductID == productID && l.VariantLabel() == variant
}

// Total is unit price times quantity.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Subtotal sums the line totals.
func Subtotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Total())
	}
	return total
}

// VariantPtr converts a stored variant label into the nullable form.
func VariantPtr(label string) *string {
	if label == "" {
		return nil
	}
	return &label
}

// Owner identifies whose cart is addressed: a signed-in user or an anonymous
// visitor holding a guest id. UserID wins when both are set.
type Owner struct {
	UserID  uuid.UUID
	GuestID string
}

func (o Owner) IsUser() bool {
	return o.UserID != uuid.Nil
}

func (o Owner) validate() error {
	if o.UserID == uuid.Nil && o.GuestID == "" {
		return ErrInvalidOwner
	}
	return nil
}

// AddRequest describes an item the shopper wants in the cart.
type AddRequest struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant"`
	Quantity  int    `json:"quantity"`
}
