package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CartItem is one line of an authenticated user's remote cart. Variant is
// stored as an empty string when no variant was chosen so that the unique
// index treats "no variant" as a single key.
type CartItem struct {
	BaseModel
	UserID    uuid.UUID       `gorm:"type:uuid;uniqueIndex:idx_cart_line" json:"user_id"`
	ProductID string          `gorm:"uniqueIndex:idx_cart_line" json:"product_id"`
	Variant   string          `gorm:"uniqueIndex:idx_cart_line;not null;default:''" json:"variant"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(12,2)" json:"unit_price"`
	Quantity  int             `json:"quantity"`
}
